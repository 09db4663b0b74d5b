package portal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RegistrationPayload is the account-creation body the backend expects.
type RegistrationPayload struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password1   string `json:"password1"`
	Password2   string `json:"password2"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Method      string `json:"method"`
	PlanPricing string `json:"plan_pricing,omitempty"`
}

// DefaultRegistrationMethod verifies accounts by SMS.
const DefaultRegistrationMethod = "mobile_phone"

// Normalize trims the identifiers and mirrors the phone number into the
// username when only one of them is given. defaultPlan fills an empty
// PlanPricing.
func (p *RegistrationPayload) Normalize(defaultPlan string) {
	p.Username = strings.TrimSpace(p.Username)
	p.PhoneNumber = strings.TrimSpace(p.PhoneNumber)
	p.Email = strings.TrimSpace(p.Email)
	if p.Username == "" {
		p.Username = p.PhoneNumber
	}
	if p.PhoneNumber == "" {
		p.PhoneNumber = p.Username
	}
	if p.Method == "" {
		p.Method = DefaultRegistrationMethod
	}
	p.PlanPricing = strings.TrimSpace(p.PlanPricing)
	if p.PlanPricing == "" {
		p.PlanPricing = defaultPlan
	}
}

// Validate checks what the backend would otherwise reject.
func (p RegistrationPayload) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("%w: username or phone number is required", ErrInvalidPayload)
	}
	if p.Password1 == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidPayload)
	}
	if p.Password1 != p.Password2 {
		return ErrPasswordMismatch
	}
	return nil
}

// LoginPayload is the token-issuance body.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse covers the token field names different backend versions use.
type authResponse struct {
	Token    string `json:"token"`
	Key      string `json:"key"`
	TokenKey string `json:"token_key"`
}

func (a authResponse) token() string {
	switch {
	case a.Token != "":
		return a.Token
	case a.Key != "":
		return a.Key
	default:
		return a.TokenKey
	}
}

// UsageResponse is the raw usage document.
type UsageResponse struct {
	Checks []UsageCheck `json:"checks"`
}

// UsageCheck is one RADIUS counter: Value is the allowance, Result what
// has been consumed, both in bytes.
type UsageCheck struct {
	Attribute string    `json:"attribute,omitempty"`
	Value     flexInt64 `json:"value"`
	Result    flexInt64 `json:"result"`
	Type      string    `json:"type,omitempty"`
}

// flexInt64 accepts JSON numbers and numeric strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt64(n)
		return nil
	}
	var fl float64
	if err := json.Unmarshal([]byte(s), &fl); err != nil {
		return fmt.Errorf("invalid counter value %s", data)
	}
	*f = flexInt64(fl)
	return nil
}
