package introspect

// Response is the RFC 7662 payload. Members outside the registered set land in Extras.
type Response struct {
	Active    bool           `json:"active"`
	Scope     string         `json:"scope,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	TokenType string         `json:"token_type,omitempty"`
	Exp       int64          `json:"exp,omitempty"`
	Iat       int64          `json:"iat,omitempty"`
	Nbf       int64          `json:"nbf,omitempty"`
	Sub       string         `json:"sub,omitempty"`
	Aud       any            `json:"aud,omitempty"`
	Iss       string         `json:"iss,omitempty"`
	Jti       string         `json:"jti,omitempty"`
	Extras    map[string]any `json:"-"`
}

var knownFields = map[string]bool{
	"active": true, "scope": true, "client_id": true, "username": true,
	"token_type": true, "exp": true, "iat": true, "nbf": true,
	"sub": true, "aud": true, "iss": true, "jti": true,
}

// Claims flattens the response into a single map, registered members first
// and extras merged on top.
func (r *Response) Claims() map[string]any {
	m := map[string]any{"active": r.Active}
	if r.Scope != "" {
		m["scope"] = r.Scope
	}
	if r.ClientID != "" {
		m["client_id"] = r.ClientID
	}
	if r.Username != "" {
		m["username"] = r.Username
	}
	if r.TokenType != "" {
		m["token_type"] = r.TokenType
	}
	if r.Exp != 0 {
		m["exp"] = r.Exp
	}
	if r.Iat != 0 {
		m["iat"] = r.Iat
	}
	if r.Nbf != 0 {
		m["nbf"] = r.Nbf
	}
	if r.Sub != "" {
		m["sub"] = r.Sub
	}
	if r.Aud != nil {
		m["aud"] = r.Aud
	}
	if r.Iss != "" {
		m["iss"] = r.Iss
	}
	if r.Jti != "" {
		m["jti"] = r.Jti
	}
	for k, v := range r.Extras {
		m[k] = v
	}
	return m
}
