package browserauth

import "time"

// LoginCookie is the signed payload of the login correlation cookie. It ties a
// callback to the browser that started the login without carrying any secret
// the state store holds.
type LoginCookie struct {
	State    string    `json:"state"`
	ReturnTo string    `json:"return_to,omitempty"`
	Started  time.Time `json:"started"`
}

// Matches reports whether the callback state belongs to this browser.
func (c LoginCookie) Matches(state string) bool {
	return state != "" && c.State == state
}

// SessionView is the JSON body returned for the current local session.
type SessionView struct {
	AccountID     string    `json:"account_id"`
	Subject       string    `json:"subject"`
	Email         string    `json:"email,omitempty"`
	Name          string    `json:"name,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	CSRFToken     string    `json:"csrf_token"`
	Authenticated bool      `json:"authenticated"`
}
