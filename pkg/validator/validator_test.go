package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type serialPayload struct {
	Serial string `validate:"required,serial"`
}

type rolePayload struct {
	Role string `validate:"required,actor_role"`
}

func TestSerialRule(t *testing.T) {
	v := New()

	valid := []string{"SN-001", "DEVICE_42", "A1B2C3", "0XYZ"}
	for _, s := range valid {
		assert.NoError(t, v.Validate(serialPayload{Serial: s}), s)
	}

	invalid := []string{"", "sn-001", "SN", "-SN001", "SN 001", "SN#001"}
	for _, s := range invalid {
		assert.Error(t, v.Validate(serialPayload{Serial: s}), s)
	}
}

func TestActorRoleRule(t *testing.T) {
	v := New()

	for _, r := range []string{"manufacturer", "shipper", "customer"} {
		assert.NoError(t, v.Validate(rolePayload{Role: r}), r)
	}
	for _, r := range []string{"admin", "Manufacturer", ""} {
		assert.Error(t, v.Validate(rolePayload{Role: r}), r)
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "hello", Sanitize("  hello  "))
	assert.Equal(t, "&lt;b&gt;x&lt;/b&gt;", Sanitize("<b>x</b>"))
}
