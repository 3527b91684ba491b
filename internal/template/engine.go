package template

import "strings"

// Render substitutes {{name}} tokens in script with values from vars.
//
// Tokens whose name is present in vars are replaced, including with an empty
// string. Unknown or unterminated tokens are kept verbatim. Substituted values
// are never scanned again, so a value containing "{{...}}" is emitted as is.
func Render(script string, vars map[string]string) string {
	if script == "" {
		return script
	}

	var b strings.Builder
	b.Grow(len(script))

	scan(script,
		func(name, raw string) {
			if value, ok := vars[name]; ok && name != "" {
				b.WriteString(value)
				return
			}
			b.WriteString(raw)
		},
		func(text string) {
			b.WriteString(text)
		},
	)

	return b.String()
}
