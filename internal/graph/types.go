package graph

// Collection is the OData envelope wrapping list responses.
type Collection[T any] struct {
	Value []T `json:"value"`
}

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type ScoredEmailAddress struct {
	Address        string  `json:"address"`
	RelevanceScore float64 `json:"relevanceScore"`
}

type Person struct {
	DisplayName          string               `json:"displayName"`
	ScoredEmailAddresses []ScoredEmailAddress `json:"scoredEmailAddresses"`
}

type Message struct {
	ID               string     `json:"id"`
	Subject          *string    `json:"subject"`
	From             *Recipient `json:"from"`
	ReceivedDateTime string     `json:"receivedDateTime"`
	BodyPreview      string     `json:"bodyPreview"`
}

type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
}

type ConversationThread struct {
	ID                    string  `json:"id"`
	Topic                 *string `json:"topic"`
	LastDeliveredDateTime string  `json:"lastDeliveredDateTime"`
	Preview               string  `json:"preview"`
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type Post struct {
	ID               string     `json:"id"`
	Body             ItemBody   `json:"body"`
	From             *Recipient `json:"from"`
	ReceivedDateTime string     `json:"receivedDateTime"`
	HasAttachments   bool       `json:"hasAttachments"`
}

// Attachment is a post attachment. ContentBytes is base64 and only set for
// file attachments.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}
