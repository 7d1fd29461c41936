package chrome

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modoterra/dicewatch/pkg/surface"
)

var roleSelectors = map[string]string{
	"button":   `button, [role="button"], input[type="button"], input[type="submit"]`,
	"link":     `a[href], [role="link"]`,
	"checkbox": `input[type="checkbox"], [role="checkbox"]`,
	"tab":      `[role="tab"]`,
	"menuitem": `[role="menuitem"]`,
}

// selectorFor resolves a control to a CSS selector.
func selectorFor(c surface.Control) (string, error) {
	if c.Selector != "" {
		return c.Selector, nil
	}
	role := strings.ToLower(strings.TrimSpace(c.Role))
	if role == "" {
		return "", fmt.Errorf("control needs a selector or a role")
	}
	if sel, ok := roleSelectors[role]; ok {
		return sel, nil
	}
	return fmt.Sprintf(`[role=%q]`, role), nil
}

// clickExpression renders the click script applied to c.
func clickExpression(c surface.Control) (string, error) {
	sel, err := selectorFor(c)
	if err != nil {
		return "", err
	}
	var source, flags string
	if c.Text != "" {
		source, flags, err = surface.TextPattern(c.Text)
		if err != nil {
			return "", fmt.Errorf("control text pattern: %w", err)
		}
	}
	args, err := json.Marshal([]string{sel, source, flags})
	if err != nil {
		return "", err
	}
	// args is a JSON array; spread it into the call.
	return fmt.Sprintf("(%s)(...%s)", strings.TrimSpace(clickScript), args), nil
}
