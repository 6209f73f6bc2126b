package logging

import (
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resource kinds reported under "resources".
const (
	kindRepository = "repositories"
	kindS3Bucket   = "s3Buckets"
	kindDynamo     = "dynamoTables"
	kindSSMParam   = "ssmParams"
)

// StartupLogger collects process identity, the configured state backends and
// the resources they point at, then emits a single structured event at
// startup. When a run misbehaves, that one line says where its state lived.
type StartupLogger struct {
	name         string
	commitHash   string
	initDuration time.Duration

	backends  map[string]string
	resources map[string]map[string]string
	features  map[string]bool
	config    map[string]string
}

// NewStartupLogger creates a StartupLogger for a component, e.g.
// "album-state" or "state-lambda".
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:      name,
		backends:  make(map[string]string),
		resources: make(map[string]map[string]string),
		features:  make(map[string]bool),
		config:    make(map[string]string),
	}
}

func (s *StartupLogger) resource(kind, label, value string) *StartupLogger {
	if s.resources[kind] == nil {
		s.resources[kind] = make(map[string]string)
	}
	s.resources[kind][label] = value
	return s
}

// CommitHash sets the git commit baked into the binary at build time.
func (s *StartupLogger) CommitHash(hash string) *StartupLogger {
	s.commitHash = hash
	return s
}

// Backend registers a state backend by role ("primary", "secondary").
func (s *StartupLogger) Backend(role, name string) *StartupLogger {
	s.backends[role] = name
	return s
}

// Repository registers a GitHub repository holding state.
func (s *StartupLogger) Repository(label, fullName string) *StartupLogger {
	return s.resource(kindRepository, label, fullName)
}

func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	return s.resource(kindS3Bucket, label, name)
}

func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	return s.resource(kindDynamo, label, name)
}

// SSMParam registers an SSM parameter path or prefix. Only the path is
// logged, never a value.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	return s.resource(kindSSMParam, label, path)
}

// Feature registers a boolean feature flag, e.g. "dualWrite".
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive setting.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// processDict describes where the process runs: a Lambda function, a GitHub
// Actions job, or a plain shell.
func (s *StartupLogger) processDict() *zerolog.Event {
	d := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	if s.commitHash != "" {
		d = d.Str("commitHash", s.commitHash)
	}
	switch {
	case os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "":
		d = d.Str("runtime", "lambda").
			Str("functionName", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
			Str("functionVersion", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
			Str("region", os.Getenv("AWS_REGION"))
	case os.Getenv("GITHUB_RUN_ID") != "":
		d = d.Str("runtime", "github-actions").
			Str("githubRunId", os.Getenv("GITHUB_RUN_ID")).
			Str("workflow", os.Getenv("GITHUB_WORKFLOW"))
	default:
		d = d.Str("runtime", "local")
	}
	return d
}

// Log emits one INFO event with everything collected. Empty groups are
// omitted.
func (s *StartupLogger) Log() {
	evt := log.Info().Dict("process", s.processDict())

	if len(s.backends) > 0 {
		evt = evt.Dict("backends", dictFromMap(s.backends))
	}
	if len(s.resources) > 0 {
		res := zerolog.Dict()
		for _, kind := range sortedKeys(s.resources) {
			res = res.Dict(kind, dictFromMap(s.resources[kind]))
		}
		evt = evt.Dict("resources", res)
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for _, k := range sortedKeys(s.features) {
			d = d.Bool(k, s.features[k])
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}
	evt.Msg("Startup complete")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range sortedKeys(m) {
		d = d.Str(k, m[k])
	}
	return d
}
