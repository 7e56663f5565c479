package scorm

import (
	"regexp"
	"strconv"
	"strings"
)

// PrereqTrackData holds the tracked data of each SCO keyed by the SCO
// identifier used in prerequisite expressions, each with at least a "status"
// field.
type PrereqTrackData map[string]map[string]string

// Status abbreviations allowed on the right hand side of comparisons
// (AICC CMI001 chapter 7, "p" for passed and so on).
var statusAliases = map[string]string{
	"passed":        "passed",
	"completed":     "completed",
	"failed":        "failed",
	"incomplete":    "incomplete",
	"browsed":       "browsed",
	"not attempted": "notattempted",
	"p":             "passed",
	"c":             "completed",
	"f":             "failed",
	"i":             "incomplete",
	"b":             "browsed",
	"n":             "notattempted",
}

var (
	setExprRe    = regexp.MustCompile(`^(\d+)\*\{(.+)\}$`)
	comparisonRe = regexp.MustCompile(`^(.+?)(=|<>)(.+)$`)
)

// EvalPrerequisites evaluates an AICC_SCRIPT prerequisites expression against
// the tracked status of each SCO. The grammar supports identifiers (true when
// the SCO is completed or passed), X=status / X<>status comparisons, N*{...}
// sets (true when at least N members are completed or passed), negation with
// ~, & and | connectives and parentheses. Malformed expressions evaluate to
// false rather than failing.
func EvalPrerequisites(prerequisites string, trackData PrereqTrackData) bool {
	tokens := tokenizePrereq(prerequisites, trackData)
	p := &prereqParser{tokens: tokens}
	result := p.parseOr()
	if p.failed || p.pos != len(p.tokens) {
		return false
	}
	return result
}

type prereqToken struct {
	op    string // "&", "|", "~", "(", ")" or "" for a literal
	value bool
}

// tokenizePrereq splits the expression into operator and operand tokens,
// resolving every operand to a boolean against the track data.
func tokenizePrereq(prerequisites string, trackData PrereqTrackData) []prereqToken {
	prerequisites = strings.ReplaceAll(prerequisites, "&amp;", "&")

	var tokens []prereqToken
	var operand strings.Builder
	depth := 0 // brace depth, commas inside N*{...} are not separators

	flush := func() {
		element := strings.TrimSpace(operand.String())
		operand.Reset()
		if element == "" {
			return
		}
		tokens = append(tokens, prereqToken{value: evalPrereqElement(element, trackData)})
	}

	for _, r := range prerequisites {
		switch {
		case r == '{':
			depth++
			operand.WriteRune(r)
		case r == '}':
			depth--
			operand.WriteRune(r)
		case depth == 0 && (r == '&' || r == '|' || r == '~' || r == '(' || r == ')'):
			flush()
			tokens = append(tokens, prereqToken{op: string(r)})
		default:
			operand.WriteRune(r)
		}
	}
	flush()

	return tokens
}

// evalPrereqElement resolves one operand of the expression to a boolean.
func evalPrereqElement(element string, trackData PrereqTrackData) bool {
	if m := setExprRe.FindStringSubmatch(element); m != nil {
		repeat, _ := strconv.Atoi(m[1])
		count := 0
		for _, member := range strings.Split(m[2], ",") {
			if scoCompleted(trackData, strings.TrimSpace(member)) {
				count++
			}
		}
		return count >= repeat
	}

	if m := comparisonRe.FindStringSubmatch(element); m != nil {
		id := strings.TrimSpace(m[1])
		data, tracked := trackData[id]
		if !tracked {
			return false
		}
		value := strings.Trim(strings.TrimSpace(m[3]), `'"`)
		if alias, ok := statusAliases[value]; ok {
			value = alias
		}
		if m[2] == "<>" {
			return data["status"] != value
		}
		return data["status"] == value
	}

	return scoCompleted(trackData, element)
}

func scoCompleted(trackData PrereqTrackData, id string) bool {
	data, ok := trackData[id]
	if !ok {
		return false
	}
	return data["status"] == "completed" || data["status"] == "passed"
}

// prereqParser evaluates the tokenized expression with the usual precedence:
// ~ binds tightest, then &, then |.
type prereqParser struct {
	tokens []prereqToken
	pos    int
	failed bool
}

func (p *prereqParser) parseOr() bool {
	result := p.parseAnd()
	for p.peekOp("|") {
		p.pos++
		right := p.parseAnd()
		result = result || right
	}
	return result
}

func (p *prereqParser) parseAnd() bool {
	result := p.parseUnary()
	for p.peekOp("&") {
		p.pos++
		right := p.parseUnary()
		result = result && right
	}
	return result
}

func (p *prereqParser) parseUnary() bool {
	if p.peekOp("~") {
		p.pos++
		return !p.parseUnary()
	}
	if p.peekOp("(") {
		p.pos++
		result := p.parseOr()
		if !p.peekOp(")") {
			p.failed = true
			return false
		}
		p.pos++
		return result
	}
	if p.pos < len(p.tokens) && p.tokens[p.pos].op == "" {
		v := p.tokens[p.pos].value
		p.pos++
		return v
	}
	p.failed = true
	return false
}

func (p *prereqParser) peekOp(op string) bool {
	return p.pos < len(p.tokens) && p.tokens[p.pos].op == op
}
