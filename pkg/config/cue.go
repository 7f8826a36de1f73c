package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// settingsSchema constrains a configuration file. Every field is optional;
// absent fields keep the value of the previous layer.
const settingsSchema = `
#Settings: {
	feed?: {
		url?:            string
		cleanupPattern?: string
	}
	tasks?: {
		listName?:     string
		todoistToken?: string
	}
	notify?: {
		prowlApiKey?:  string
		approvalUrl?:  string
		useShortcuts?: bool
		priority?:     int & >=-2 & <=2
		application?:  string
	}
	reconcile?: {
		bulkSeedThreshold?: int & >=1
		approvalTimeout?:   string
		lineageKey?:        string & !=""
	}
	server?: {
		addr?:      string
		schedule?:  string
		rateLimit?: number & >=0
		burst?:     int & >=1
	}
	store?: {
		path?: string
	}
	log?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
	}
	trace?: {
		exporter?: "none" | "stdout" | "otlp"
		endpoint?: string
	}
	exclusionsFile?: string
}
`

// Position locates a problem in a configuration file.
type Position struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (p Position) String() string {
	if p.File == "" {
		return p.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", p.File, p.Line, p.Column, p.Message)
}

// ApplyFile overlays the CUE file at path onto s. The file is checked
// against the settings schema first; unknown fields are rejected.
func (s *Settings) ApplyFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	return s.applyCUE(string(content), path)
}

func (s *Settings) applyCUE(content, filename string) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(settingsSchema, cue.Filename("settings.cue")).
		LookupPath(cue.ParsePath("#Settings"))
	if err := schema.Err(); err != nil {
		return engine.NewPermanentError("failed to compile settings schema", err).
			WithCode(engine.ErrCodeInternal)
	}

	val := ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return cueError(filename, err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueError(filename, err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return cueError(filename, err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return engine.NewConfigError(fmt.Sprintf("failed to decode %s", filename), err)
	}
	return nil
}

// cueError flattens CUE errors into one config error with positions.
func cueError(filename string, err error) error {
	var positions []string
	for _, e := range errors.Errors(err) {
		p := Position{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			p.File = pos[0].Filename()
			p.Line = pos[0].Line()
			p.Column = pos[0].Column()
		}
		positions = append(positions, strings.TrimSpace(p.String()))
	}
	return engine.NewConfigError(
		fmt.Sprintf("invalid config file %s: %s", filename, strings.Join(positions, "; ")), err).
		WithResource(filename)
}
