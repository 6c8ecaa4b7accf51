// Package preprocess implements the C-like source preprocessing pass applied
// to scripts that fail to compile because they use directives.
//
// Supported directives: #include (each file at most once), #define and
// #undef (plain defines, no macros), #if, #elif, #ifdef, #ifndef, #else,
// #endif, #warning, #error and #pragma (preprocessor-on, preprocessor-off,
// include-from: <dir>). A shebang on the first line is dropped. #if and #elif
// expressions accept C operators and defined(NAME), and are evaluated by the
// interpreter itself.
package preprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options configures one pass.
type Options struct {
	// IncludePaths are searched, in order, after the including file's
	// directory.
	IncludePaths []string
	// Defines are predefined names in addition to __DATE__, __TIME__,
	// __FILE__ and __LINE__. Values are inserted verbatim.
	Defines map[string]string
	// Include loads an included file. When nil, files are read from disk.
	Include func(name string, dirs []string) (path, src string, err error)
	// Warn receives #warning messages.
	Warn   func(msg string)
	Logger *zap.Logger
}

// Result is preprocessed source plus the mapping back to the root file.
type Result struct {
	Source string
	// Lines[i] is the root-file line that produced output line i+1. Lines
	// coming from an included file map to the root #include directive.
	Lines []int
}

// MapLine translates an output line number into a root-file line number.
func (r *Result) MapLine(n int) int {
	if n < 1 || n > len(r.Lines) {
		return n
	}
	return r.Lines[n-1]
}

// Error is a directive or include failure.
type Error struct {
	File string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

var knownDirectives = map[string]bool{
	"include": true, "define": true, "undef": true,
	"if": true, "ifdef": true, "ifndef": true,
	"warning": true, "error": true, "pragma": true,
}

var builtinNames = []string{"__DATE__", "__TIME__", "__FILE__", "__LINE__"}

// Needed reports whether src uses any directive or builtin define, and is
// therefore worth a preprocessing retry.
func Needed(src string) bool {
	for _, line := range strings.Split(src, "\n") {
		if d, _, ok := directive(line); ok && knownDirectives[d] {
			return true
		}
		if strings.Contains(line, "__") {
			for _, name := range builtinNames {
				if strings.Contains(line, name) {
					return true
				}
			}
		}
	}
	return false
}

type clause struct {
	active bool // lines in this branch are emitted
	taken  bool // some branch of this #if already matched
	parent bool
}

type processor struct {
	opts     Options
	log      *zap.Logger
	defines  map[string]string
	included map[string]bool
	fromDir  string
	enabled  bool

	out   strings.Builder
	lines []int

	file     string
	line     int
	rootLine int
	depth    int
}

// Process runs the pass over src, whose file name is name.
func Process(name, src string, opts Options) (*Result, error) {
	p := &processor{
		opts:     opts,
		log:      opts.Logger,
		defines:  make(map[string]string),
		included: make(map[string]bool),
		enabled:  true,
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	now := time.Now()
	p.defines["__DATE__"] = strconv.Quote(now.Format("2006-01-02"))
	p.defines["__TIME__"] = strconv.Quote(now.Format("15:04:05"))
	for k, v := range opts.Defines {
		p.defines[k] = v
	}

	if err := p.run(name, src); err != nil {
		return nil, err
	}
	return &Result{Source: p.out.String(), Lines: p.lines}, nil
}

func (p *processor) fail(format string, args ...any) error {
	return &Error{File: p.file, Line: p.line, Msg: fmt.Sprintf(format, args...)}
}

func (p *processor) run(file, src string) error {
	savedFile, savedLine := p.file, p.line
	p.file, p.line = file, 0
	defer func() { p.file, p.line = savedFile, savedLine }()

	var stack []clause
	active := func() bool {
		return len(stack) == 0 || stack[len(stack)-1].active
	}

	lines := strings.SplitAfter(src, "\n")
	for i, raw := range lines {
		if raw == "" {
			continue
		}
		p.line = i + 1
		if p.depth == 0 {
			p.rootLine = p.line
		}
		if p.line == 1 && strings.HasPrefix(raw, "#!") {
			continue
		}

		name, arg, isDirective := directive(raw)
		if isDirective && name == "pragma" {
			if active() {
				p.pragma(arg)
			}
			continue
		}
		if !isDirective || !p.enabled {
			if active() {
				if p.enabled {
					raw = p.replaceDefines(raw)
				}
				p.emit(raw)
			}
			continue
		}

		switch name {
		case "if", "ifdef", "ifndef":
			parent := active()
			met := false
			if parent {
				switch name {
				case "ifdef":
					_, met = p.defines[arg]
				case "ifndef":
					_, met = p.defines[arg]
					met = !met
				default:
					met = p.evaluate(arg)
				}
			}
			stack = append(stack, clause{active: parent && met, taken: met, parent: parent})
			continue
		case "elif":
			if len(stack) == 0 {
				return p.fail("#elif without matching #if")
			}
			top := &stack[len(stack)-1]
			if top.taken || !top.parent {
				top.active = false
				continue
			}
			top.active = p.evaluate(arg)
			top.taken = top.active
			continue
		case "else":
			if len(stack) == 0 {
				return p.fail("#else without matching #if")
			}
			top := &stack[len(stack)-1]
			top.active = top.parent && !top.taken
			top.taken = true
			continue
		case "endif":
			if len(stack) == 0 {
				return p.fail("#endif without matching #if")
			}
			stack = stack[:len(stack)-1]
			continue
		}

		if !active() {
			continue
		}

		switch name {
		case "include":
			if err := p.include(file, arg); err != nil {
				return err
			}
		case "define":
			def, value := splitDefine(arg)
			if !validToken(def) {
				return p.fail("cannot define %q: invalid token", def)
			}
			if _, exists := p.defines[def]; exists {
				return p.fail("cannot redefine %q which is already defined", def)
			}
			p.defines[def] = value
		case "undef":
			if !validToken(arg) {
				return p.fail("cannot undefine %q: invalid token", arg)
			}
			delete(p.defines, arg)
		case "warning":
			msg := (&Error{File: p.file, Line: p.line, Msg: "#warning: " + arg}).Error()
			p.log.Warn("preprocessor warning", zap.String("msg", msg))
			if p.opts.Warn != nil {
				p.opts.Warn(msg)
			}
		case "error":
			return p.fail("#error: %s", arg)
		default:
			return p.fail("unknown preprocessor directive: #%s", name)
		}
	}

	if len(stack) != 0 {
		return p.fail("missing #endif")
	}
	if !p.enabled && p.depth > 0 {
		return p.fail("missing '#pragma preprocessor-on' at end of file")
	}
	return nil
}

func (p *processor) emit(line string) {
	p.out.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		p.out.WriteByte('\n')
	}
	p.lines = append(p.lines, p.rootLine)
}

func (p *processor) pragma(arg string) {
	switch {
	case strings.HasPrefix(arg, "preprocessor-on"):
		p.enabled = true
	case !p.enabled:
	case strings.HasPrefix(arg, "preprocessor-off"):
		p.enabled = false
	case strings.HasPrefix(arg, "include-from: ") && len(arg) > 14:
		p.fromDir = strings.TrimSpace(arg[14:])
		p.log.Debug("default include path set", zap.String("dir", p.fromDir))
	}
}

func (p *processor) include(from, arg string) error {
	name := strings.Trim(arg, `"<>' `)
	if name == "" {
		return p.fail("invalid #include name provided: %s", arg)
	}

	var dirs []string
	if p.fromDir != "" {
		dirs = append(dirs, p.fromDir)
	}
	dirs = append(dirs, filepath.Dir(from))
	dirs = append(dirs, p.opts.IncludePaths...)

	load := p.opts.Include
	if load == nil {
		load = readInclude
	}
	path, src, err := load(name, dirs)
	if err != nil {
		return p.fail("failure to #include %s: %v", name, err)
	}
	if p.included[path] {
		p.log.Debug("skipping already included file", zap.String("file", path))
		return nil
	}
	p.included[path] = true

	p.depth++
	defer func() { p.depth-- }()
	return p.run(path, src)
}

func readInclude(name string, dirs []string) (string, string, error) {
	if filepath.IsAbs(name) {
		raw, err := os.ReadFile(name)
		return name, string(raw), err
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err == nil {
			abs, absErr := filepath.Abs(path)
			if absErr != nil {
				abs = path
			}
			return abs, string(raw), nil
		}
	}
	return "", "", os.ErrNotExist
}

// directive splits a "#name argument" line. Leading spacing is allowed on
// both sides of the '#'.
func directive(line string) (name, arg string, ok bool) {
	s := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(s, "#") {
		return "", "", false
	}
	s = strings.TrimLeft(s[1:], " \t")
	end := strings.IndexAny(s, " \t\r\n")
	if end < 0 {
		return s, "", true
	}
	return s[:end], strings.TrimSpace(s[end:]), true
}

func splitDefine(arg string) (name, value string) {
	i := 0
	for i < len(arg) && isWordChar(arg[i]) {
		i++
	}
	return arg[:i], strings.TrimLeft(arg[i:], " \t")
}

func validToken(s string) bool {
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordChar(s[i]) {
			return false
		}
	}
	return true
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *processor) lookup(word string) string {
	switch word {
	case "__FILE__":
		return strconv.Quote(p.file)
	case "__LINE__":
		return strconv.Itoa(p.line)
	}
	if v, ok := p.defines[word]; ok {
		return v
	}
	return word
}

// replaceDefines substitutes defined words outside string literals.
func (p *processor) replaceDefines(line string) string {
	var b, word strings.Builder
	var single, double, escaped bool

	flush := func() {
		if word.Len() > 0 {
			b.WriteString(p.lookup(word.String()))
			word.Reset()
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		inString := single || double
		if isWordChar(c) && !inString && !escaped {
			word.WriteByte(c)
			continue
		}
		flush()
		b.WriteByte(c)

		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = inString
		case '\'':
			if !double {
				single = !single
			}
		case '"':
			if !single {
				double = !double
			}
		}
	}
	flush()
	return b.String()
}
