// File: internal/action/action.go
//
// Package action defines the closed vocabulary of console buttons the model may
// choose from, and the classifier that turns a free-text model response into
// exactly one of them.
package action

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Button is a single console button identifier as understood by the bridge.
type Button string

// Buttons of the emulated handheld.
const (
	A      Button = "A"
	B      Button = "B"
	Select Button = "Select"
	Start  Button = "Start"
	Right  Button = "Right"
	Left   Button = "Left"
	Up     Button = "Up"
	Down   Button = "Down"
	R      Button = "R"
	L      Button = "L"
)

// AllButtons lists every button the bridge accepts.
var AllButtons = []Button{A, B, Select, Start, Right, Left, Up, Down, R, L}

// DefaultButtons omits Select, R and L; they are rarely needed and pruning them helps the model.
var DefaultButtons = []Button{A, B, Start, Right, Left, Up, Down}

var (
	// ErrUnparsableAction is matched by every parse failure.
	ErrUnparsableAction = errors.New("response does not name a valid action")
	// ErrInvalidVocabulary is returned by NewSet for unusable button lists.
	ErrInvalidVocabulary = errors.New("invalid action vocabulary")
)

// ParseError carries the raw model response that could not be classified.
type ParseError struct {
	Response string
	Token    string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s (token %q, response %q)", ErrUnparsableAction, e.Reason, e.Token, truncate(e.Response, 200))
}

func (e *ParseError) Unwrap() error { return ErrUnparsableAction }

// fillerWords may trail the answer ("press the START button") and are skipped
// when looking for the answer token.
var fillerWords = map[string]bool{
	"button":  true,
	"buttons": true,
	"key":     true,
	"now":     true,
	"again":   true,
	"please":  true,
	"once":    true,
}

// Set is a validated, ordered vocabulary of buttons.
type Set struct {
	buttons []Button
	// priority holds lower-cased names longest first; ties keep declaration order.
	priority []string
	byName   map[string]Button
}

// NewSet validates names against the known buttons (case-insensitively) and
// returns the vocabulary in the given order. Duplicates and unknown names are rejected.
func NewSet(names []string) (*Set, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one button is required", ErrInvalidVocabulary)
	}
	known := make(map[string]Button, len(AllButtons))
	for _, b := range AllButtons {
		known[strings.ToLower(string(b))] = b
	}

	s := &Set{byName: make(map[string]Button, len(names))}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		b, ok := known[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown button %q", ErrInvalidVocabulary, name)
		}
		if _, dup := s.byName[key]; dup {
			return nil, fmt.Errorf("%w: duplicate button %q", ErrInvalidVocabulary, name)
		}
		s.byName[key] = b
		s.buttons = append(s.buttons, b)
		s.priority = append(s.priority, key)
	}
	sort.SliceStable(s.priority, func(i, j int) bool {
		return len(s.priority[i]) > len(s.priority[j])
	})
	return s, nil
}

// MustNewSet is NewSet for vocabularies known to be valid.
func MustNewSet(names []string) *Set {
	s, err := NewSet(names)
	if err != nil {
		panic(err)
	}
	return s
}

// Default returns the default vocabulary.
func Default() *Set {
	names := make([]string, len(DefaultButtons))
	for i, b := range DefaultButtons {
		names[i] = string(b)
	}
	return MustNewSet(names)
}

// Buttons returns the vocabulary in declaration order.
func (s *Set) Buttons() []Button {
	return append([]Button(nil), s.buttons...)
}

// Names returns the button names in declaration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.buttons))
	for i, b := range s.buttons {
		out[i] = string(b)
	}
	return out
}

// Contains reports whether b is part of the vocabulary.
func (s *Set) Contains(b Button) bool {
	_, ok := s.byName[strings.ToLower(string(b))]
	return ok
}

// Lookup resolves an exact, case-insensitive button name.
func (s *Set) Lookup(name string) (Button, bool) {
	b, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Parse classifies a free-text response.
//
// Punctuation is replaced by whitespace and the text is lower-cased. The answer
// token is the last token that is not a filler word such as "button". An exact
// name match wins. Otherwise every name contained in the token is collected,
// names contained in another match are discarded (so "start" is never read as
// "a"), and exactly one must remain. The result never depends on the order the
// vocabulary was declared in.
func (s *Set) Parse(response string) (Button, error) {
	tokens := strings.Fields(normalize(response))
	token := ""
	for i := len(tokens) - 1; i >= 0; i-- {
		if !fillerWords[tokens[i]] {
			token = tokens[i]
			break
		}
	}
	if token == "" {
		return "", &ParseError{Response: response, Reason: "empty response"}
	}

	if b, ok := s.byName[token]; ok {
		return b, nil
	}

	var matches []string
	for _, name := range s.priority {
		if !strings.Contains(token, name) {
			continue
		}
		subsumed := false
		for _, m := range matches {
			if strings.Contains(m, name) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		return "", &ParseError{Response: response, Token: token, Reason: "no action matched"}
	case 1:
		return s.byName[matches[0]], nil
	default:
		return "", &ParseError{Response: response, Token: token, Reason: fmt.Sprintf("ambiguous between %s", strings.Join(matches, ", "))}
	}
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
