// Package render expands server-side templates. Templates are a trivial
// in-process map; placeholders use {{key}} syntax and unknown keys expand
// to the empty string.
package render

import (
	"fmt"
	"regexp"
)

const genericCode = "generic_v1"

var templates = map[string]string{
	"welcome_v1":        `<p>Hi {{name}}, welcome aboard!</p><p>Get started here: <a href="{{link}}">{{link}}</a></p>`,
	"password_reset_v1": `<p>Hi {{name}},</p><p>Reset your password using this link: <a href="{{link}}">{{link}}</a></p><p>The link expires in {{expires_in}}.</p>`,
	"order_shipped_v1":  `<p>Good news {{name}}, your order {{order_id}} is on its way.</p><p>Track it: <a href="{{link}}">{{link}}</a></p>`,
	genericCode:         `<p>Hi {{name}},</p><p>{{message}}</p>`,
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Render expands the template identified by templateCode with the given
// variables. Unknown template codes fall back to the generic template.
func Render(templateCode string, variables map[string]any) string {
	tmpl, ok := templates[templateCode]
	if !ok {
		tmpl = templates[genericCode]
	}

	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := variables[key]
		if !ok || val == nil {
			return ""
		}
		return fmt.Sprint(val)
	})
}
