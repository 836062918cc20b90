package pipeline

import "github.com/google/uuid"

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Session is the state of one generation request. It is owned by a single
// Generate call and never shared.
type Session struct {
	ID           string
	Tokens       []int
	PromptLen    int
	Step         int
	MaxNewTokens int
	EndTokenID   int
}

func newSession(prompt []int, maxNewTokens, endTokenID int) *Session {
	tokens := make([]int, len(prompt), len(prompt)+maxNewTokens)
	copy(tokens, prompt)
	return &Session{
		ID:           uuid.NewString(),
		Tokens:       tokens,
		PromptLen:    len(prompt),
		MaxNewTokens: maxNewTokens,
		EndTokenID:   endTokenID,
	}
}

// Generated returns the ids produced so far, including a trailing end token.
func (s *Session) Generated() []int { return s.Tokens[s.PromptLen:] }

// accept appends id and reports whether the session is finished and why.
func (s *Session) accept(id int) (bool, string) {
	s.Tokens = append(s.Tokens, id)
	s.Step++
	if s.EndTokenID >= 0 && id == s.EndTokenID {
		return true, FinishStop
	}
	if s.Step >= s.MaxNewTokens {
		return true, FinishLength
	}
	return false, ""
}

// text returns the ids to decode for the response, without the end token.
func (s *Session) text() []int {
	gen := s.Generated()
	if n := len(gen); n > 0 && s.EndTokenID >= 0 && gen[n-1] == s.EndTokenID {
		return gen[:n-1]
	}
	return gen
}
