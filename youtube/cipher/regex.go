package cipher

import (
	"regexp"
	"strconv"
	"strings"
)

type stepOp int

const (
	opReverse stepOp = iota + 1
	opSplice
	opSwap
)

type step struct {
	op  stepOp
	arg int
}

const ident = `[a-zA-Z0-9_$]+`

var (
	sigFuncRes = []*regexp.Regexp{
		regexp.MustCompile(`(` + ident + `)\s*=\s*function\(\s*` + ident + `\s*\)\s*\{\s*` + ident + `\s*=\s*` + ident + `\.split\(\s*""\s*\)\s*;([^}]*?)return\s+` + ident + `\.join\(\s*""\s*\)`),
		regexp.MustCompile(`function\s+(` + ident + `)\s*\(\s*` + ident + `\s*\)\s*\{\s*` + ident + `\s*=\s*` + ident + `\.split\(\s*""\s*\)\s*;([^}]*?)return\s+` + ident + `\.join\(\s*""\s*\)`),
	}
	helperCallRe   = regexp.MustCompile(`(` + ident + `)\.(` + ident + `)\(\s*` + ident + `\s*,\s*(\d+)\s*\)`)
	helperMethodRe = regexp.MustCompile(`(` + ident + `)\s*:\s*function\s*\([^)]*\)\s*\{([^}]*)\}`)
	nFuncRe        = regexp.MustCompile(`\.get\("n"\)\)&&\(b=(` + ident + `)(?:\[(\d+)\])?\(` + ident + `\)`)
)

// parseSignatureSteps locates the signature transform in playerJS. It returns
// the transform's name, which can be called in a JS engine, and its steps
// when every helper it calls could be classified.
func parseSignatureSteps(playerJS string) (name string, steps []step, ok bool) {
	var body string
	for _, re := range sigFuncRes {
		if m := re.FindStringSubmatch(playerJS); len(m) == 3 {
			name, body = m[1], m[2]
			break
		}
	}
	if name == "" {
		return "", nil, false
	}

	calls := helperCallRe.FindAllStringSubmatch(body, -1)
	if len(calls) == 0 {
		return name, nil, false
	}
	obj := calls[0][1]
	objRe, err := regexp.Compile(`var\s+` + regexp.QuoteMeta(obj) + `\s*=\s*\{([\s\S]*?)\};`)
	if err != nil {
		return name, nil, false
	}
	om := objRe.FindStringSubmatch(playerJS)
	if len(om) != 2 {
		return name, nil, false
	}

	ops := make(map[string]stepOp)
	for _, mm := range helperMethodRe.FindAllStringSubmatch(om[1], -1) {
		switch fn := mm[2]; {
		case strings.Contains(fn, "reverse"):
			ops[mm[1]] = opReverse
		case strings.Contains(fn, "splice"):
			ops[mm[1]] = opSplice
		case strings.Contains(fn, "%"):
			ops[mm[1]] = opSwap
		}
	}

	for _, c := range calls {
		if c[1] != obj {
			return name, nil, false
		}
		op, found := ops[c[2]]
		if !found {
			return name, nil, false
		}
		arg, err := strconv.Atoi(c[3])
		if err != nil {
			return name, nil, false
		}
		steps = append(steps, step{op: op, arg: arg})
	}
	return name, steps, true
}

// findNFunction returns a JS expression evaluating to the n transform.
func findNFunction(playerJS string) string {
	m := nFuncRe.FindStringSubmatch(playerJS)
	if len(m) != 3 {
		return ""
	}
	if m[2] != "" {
		return m[1] + "[" + m[2] + "]"
	}
	return m[1]
}

func applySteps(sig string, steps []step) string {
	r := []rune(sig)
	for _, st := range steps {
		switch st.op {
		case opReverse:
			r = reverse(r)
		case opSplice:
			r = splice(r, st.arg)
		case opSwap:
			r = swap(r, st.arg)
		}
	}
	return string(r)
}

func reverse(s []rune) []rune {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}

func splice(s []rune, n int) []rune {
	if n < 0 || n > len(s) {
		return s
	}
	return s[n:]
}

func swap(s []rune, n int) []rune {
	if len(s) <= 1 {
		return s
	}
	n = n % len(s)
	if n < 0 {
		n += len(s)
	}
	s[0], s[n] = s[n], s[0]
	return s
}
