// Package template detects Go prompt templates and converts them to Jinja.
//
// Chat templates ship in two competing dialects: Go text/template syntax
// (used by Ollama-style registries) and Jinja (used by llama.cpp and the
// OpenAI-compatible servers). Only Jinja is usable by the supported
// backends, so Go templates are translated on the fly.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	goActionRe    = regexp.MustCompile(`(?s){{-?.+-?}}`)
	jinjaActionRe = regexp.MustCompile(`(?s){%-?.+-?%}`)

	// actionRe matches one Go template action, capturing the trim markers
	// and the pipeline text.
	actionRe = regexp.MustCompile(`{{(-?)\s*(.*?)\s*(-?)}}`)
)

// IsJinjaTemplate reports whether content contains Jinja control statements.
func IsJinjaTemplate(content string) bool {
	return jinjaActionRe.MatchString(content)
}

// IsGoTemplate reports whether content looks like a Go template. A template
// containing Jinja control statements is never considered a Go template.
func IsGoTemplate(content string) bool {
	return goActionRe.MatchString(content) && !IsJinjaTemplate(content)
}

// ConversionError indicates a Go template that could not be translated.
type ConversionError struct {
	Construct string
	Reason    string
}

func (e *ConversionError) Error() string {
	if e.Construct == "" {
		return fmt.Sprintf("template conversion failed: %s", e.Reason)
	}
	return fmt.Sprintf("template conversion failed at %q: %s", e.Construct, e.Reason)
}

type blockKind int

const (
	blockIf blockKind = iota
	blockFor
)

type converter struct {
	// blocks tracks open if/range constructs so that {{ end }} can be
	// translated to the matching Jinja terminator.
	blocks []blockKind
	// loopVars holds the element variable name of each open range block,
	// innermost last.
	loopVars []string
	// indexVars maps Go loop index variables to Jinja's loop.index0.
	indexVars []string
}

// GoToJinja converts a Go chat template to Jinja. It supports the dialect
// used by model registries: if/else if/else/end, range over message lists,
// dotted variables, local $variables, and the eq/ne/lt/le/gt/ge/and/or/not
// comparison functions. Anything else yields a *ConversionError.
func GoToJinja(content string) (string, error) {
	if !IsGoTemplate(content) {
		return "", &ConversionError{Reason: "not a Go template"}
	}

	c := &converter{}
	var out strings.Builder
	last := 0
	for _, loc := range actionRe.FindAllStringSubmatchIndex(content, -1) {
		out.WriteString(content[last:loc[0]])
		last = loc[1]

		trimL := content[loc[2]:loc[3]]
		pipeline := content[loc[4]:loc[5]]
		trimR := content[loc[6]:loc[7]]

		converted, err := c.convertAction(pipeline, trimL, trimR)
		if err != nil {
			return "", err
		}
		out.WriteString(converted)
	}
	out.WriteString(content[last:])

	if len(c.blocks) != 0 {
		return "", &ConversionError{Reason: "unbalanced blocks, missing {{ end }}"}
	}
	return out.String(), nil
}

func (c *converter) convertAction(pipeline, trimL, trimR string) (string, error) {
	control := func(body string) string {
		return fmt.Sprintf("{%%%s %s %s%%}", trimL, body, trimR)
	}

	fields := tokenize(pipeline)
	if len(fields) == 0 {
		return "", &ConversionError{Construct: pipeline, Reason: "empty action"}
	}

	switch fields[0] {
	case "if":
		expr, err := c.convertExpr(fields[1:])
		if err != nil {
			return "", err
		}
		c.blocks = append(c.blocks, blockIf)
		return control("if " + expr), nil

	case "else":
		if len(c.blocks) == 0 {
			return "", &ConversionError{Construct: pipeline, Reason: "else outside a block"}
		}
		if len(fields) == 1 {
			return control("else"), nil
		}
		if fields[1] != "if" {
			return "", &ConversionError{Construct: pipeline, Reason: "unsupported else form"}
		}
		expr, err := c.convertExpr(fields[2:])
		if err != nil {
			return "", err
		}
		return control("elif " + expr), nil

	case "range":
		return c.convertRange(fields[1:], control)

	case "end":
		if len(c.blocks) == 0 {
			return "", &ConversionError{Construct: pipeline, Reason: "end without an open block"}
		}
		kind := c.blocks[len(c.blocks)-1]
		c.blocks = c.blocks[:len(c.blocks)-1]
		if kind == blockFor {
			c.loopVars = c.loopVars[:len(c.loopVars)-1]
			c.indexVars = c.indexVars[:len(c.indexVars)-1]
			return control("endfor"), nil
		}
		return control("endif"), nil

	default:
		// A bare pipeline is an output expression.
		expr, err := c.convertExpr(fields)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("{{%s %s %s}}", trimL, expr, trimR), nil
	}
}

// convertRange handles both the implicit form `range .Messages` and the
// assignment form `range $i, $m := .Messages`.
func (c *converter) convertRange(fields []string, control func(string) string) (string, error) {
	loopVar := "message"
	indexVar := ""

	var collection string
	switch {
	case len(fields) == 1:
		collection = fields[0]
	case len(fields) == 4 && fields[2] == ":=":
		indexVar = strings.TrimPrefix(strings.TrimSuffix(fields[0], ","), "$")
		loopVar = strings.TrimPrefix(fields[1], "$")
		collection = fields[3]
	case len(fields) == 3 && fields[1] == ":=":
		loopVar = strings.TrimPrefix(fields[0], "$")
		collection = fields[2]
	default:
		return "", &ConversionError{Construct: strings.Join(fields, " "), Reason: "unsupported range form"}
	}

	iterable, err := c.convertOperand(collection)
	if err != nil {
		return "", err
	}

	c.blocks = append(c.blocks, blockFor)
	c.loopVars = append(c.loopVars, loopVar)
	c.indexVars = append(c.indexVars, indexVar)
	return control(fmt.Sprintf("for %s in %s", loopVar, iterable)), nil
}

var comparisonOps = map[string]string{
	"eq": "==",
	"ne": "!=",
	"lt": "<",
	"le": "<=",
	"gt": ">",
	"ge": ">=",
}

func (c *converter) convertExpr(fields []string) (string, error) {
	if len(fields) == 0 {
		return "", &ConversionError{Reason: "empty expression"}
	}

	if op, ok := comparisonOps[fields[0]]; ok {
		if len(fields) != 3 {
			return "", &ConversionError{Construct: strings.Join(fields, " "), Reason: "comparison needs two operands"}
		}
		a, err := c.convertOperand(fields[1])
		if err != nil {
			return "", err
		}
		b, err := c.convertOperand(fields[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", a, op, b), nil
	}

	switch fields[0] {
	case "and", "or":
		if len(fields) < 3 {
			return "", &ConversionError{Construct: strings.Join(fields, " "), Reason: fields[0] + " needs two operands"}
		}
		operands := make([]string, 0, len(fields)-1)
		for _, f := range fields[1:] {
			o, err := c.convertOperand(f)
			if err != nil {
				return "", err
			}
			operands = append(operands, o)
		}
		return strings.Join(operands, " "+fields[0]+" "), nil
	case "not":
		if len(fields) != 2 {
			return "", &ConversionError{Construct: strings.Join(fields, " "), Reason: "not needs one operand"}
		}
		o, err := c.convertOperand(fields[1])
		if err != nil {
			return "", err
		}
		return "not " + o, nil
	}

	if len(fields) == 1 {
		return c.convertOperand(fields[0])
	}
	return "", &ConversionError{Construct: strings.Join(fields, " "), Reason: "unsupported function"}
}

func (c *converter) convertOperand(tok string) (string, error) {
	if tok == "" {
		return "", &ConversionError{Reason: "empty operand"}
	}

	// String and numeric literals pass through untouched.
	if tok[0] == '"' || tok[0] == '`' || (tok[0] >= '0' && tok[0] <= '9') {
		return strings.ReplaceAll(tok, "`", `"`), nil
	}
	if tok == "true" || tok == "false" {
		return tok, nil
	}

	if strings.HasPrefix(tok, "$") {
		name := strings.TrimPrefix(tok, "$")
		if len(c.indexVars) > 0 && name == c.indexVars[len(c.indexVars)-1] {
			return "loop.index0", nil
		}
		return strings.ToLower(name), nil
	}

	if strings.HasPrefix(tok, ".") {
		name := strings.ToLower(strings.ReplaceAll(tok, ".", ""))
		// Inside a range block a dotted name is a field of the element.
		if len(c.loopVars) > 0 {
			loopVar := c.loopVars[len(c.loopVars)-1]
			if name == "" {
				return loopVar, nil
			}
			return fmt.Sprintf("%s[%q]", loopVar, name), nil
		}
		if name == "" {
			return "", &ConversionError{Construct: tok, Reason: "bare dot outside a range block"}
		}
		return name, nil
	}

	return "", &ConversionError{Construct: tok, Reason: "unsupported operand"}
}

// tokenize splits a pipeline on whitespace while keeping quoted strings
// intact.
func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	inQuote := rune(0)
	for _, r := range s {
		switch {
		case inQuote != 0:
			cur.WriteRune(r)
			if r == inQuote {
				inQuote = 0
			}
		case r == '"' || r == '`':
			inQuote = r
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}
