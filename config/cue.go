package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

const schemaFile = "procwatch_schema.cue"

// schema closes the configuration so typos in CUE files are reported instead
// of silently ignored.
const schema = `
#Duration: string

#Config: {
	watch_list: [...string]
	source?: {
		driver?:           "wmi" | "procfs" | "script"
		poll_interval?:    #Duration
		namespace?:        string
		proc_root?:        string
		include_existing?: bool
		script?:           string
	}
	report?: {
		interval?: #Duration
		filter?:   string
		on_exit?:  bool
	}
	policies?: {
		retry_max?:         int & >=0
		retry_backoff?:     #Duration
		retry_backoff_max?: #Duration
	}
	logging?: {
		level?:  string
		format?: "json" | "text"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?:  bool
		provider?: string
	}
	live_view?: {
		enabled?: bool
		listen?:  string
	}
	hot_reload?: bool
}
`

func decodeCUE(path string, raw []byte) (*Config, error) {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema, cue.Filename(schemaFile)).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := ctx.CompileBytes(raw, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile cue: %w", err)
	}
	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate cue: %w", err)
	}
	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode cue: %w", err)
	}
	return &cfg, nil
}
