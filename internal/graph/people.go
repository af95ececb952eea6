package graph

import (
	"context"
	"fmt"
	"net/url"
	"unicode/utf8"
)

// MinQueryLength is the shortest people search that reaches Graph.
const MinQueryLength = 2

type Contact struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// SearchPeople queries the signed-in user's relevant people. Queries shorter
// than MinQueryLength return an empty result without a network call. Only
// the first scored address of each person is kept; people without one are
// dropped.
func (c *Client) SearchPeople(ctx context.Context, token, query string) ([]Contact, error) {
	contacts := []Contact{}
	if utf8.RuneCountInString(query) < MinQueryLength {
		return contacts, nil
	}

	params := url.Values{}
	params.Set("$search", query)
	params.Set("$select", "displayName,scoredEmailAddresses")
	params.Set("$top", "10")

	var page Collection[Person]
	if err := c.GetJSON(ctx, token, "/me/people", params, LookupTimeout, &page); err != nil {
		return nil, fmt.Errorf("search people: %w", err)
	}

	for _, person := range page.Value {
		if len(person.ScoredEmailAddresses) == 0 || person.ScoredEmailAddresses[0].Address == "" {
			continue
		}
		contacts = append(contacts, Contact{
			DisplayName: person.DisplayName,
			Email:       person.ScoredEmailAddresses[0].Address,
		})
	}
	return contacts, nil
}
