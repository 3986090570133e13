package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"
)

// Status values for a feed.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// Post-actions applied to the source file after a completed transfer.
const (
	PostNone   = "none"
	PostPass   = "pass" // legacy synonym for none
	PostDelete = "delete"
	PostMove   = "move"
)

// Post-actions applied to the destination file after promotion.
const (
	DestPostNone    = "none"
	DestPostSymlink = "symlink"
	DestPostMove    = "move"
)

func New() *Feed {
	f := &Feed{}
	if err := defaults.Set(f); err != nil {
		panic(err)
	}
	return f
}

// Feed is one source->destination movement rule. It is immutable for the
// duration of a feed pass.
type Feed struct {
	Name           string `yaml:"name" validate:"required"`
	Status         string `yaml:"status" default:"enabled" validate:"oneof=enabled disabled"`
	PollingSeconds int    `yaml:"polling_seconds" default:"60" validate:"min=1"`
	LimitTotal     int    `yaml:"limit_total" validate:"min=0"`

	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`

	// FeedAuditDir holds the audit journal and lock file for this feed.
	// Defaults to $BUFFALOFQ_AUDIT_DIR when set, else the directory of the
	// config file.
	FeedAuditDir string `yaml:"feed_audit_dir"`

	SourceHost string `yaml:"source_host" default:"localhost"`
	SourceUser string `yaml:"source_user"`
	SourceDir  string `yaml:"source_dir" validate:"required"`
	SourceFn   string `yaml:"source_fn" default:"*"`

	DestHost string `yaml:"dest_host" default:"localhost"`
	DestUser string `yaml:"dest_user"`
	DestDir  string `yaml:"dest_dir" validate:"required"`
	DestFn   string `yaml:"dest_fn"`

	Port uint16 `yaml:"port" default:"22"`

	SourcePostAction string `yaml:"source_post_action" validate:"omitempty,oneof=none pass delete move"`
	SourcePostDir    string `yaml:"source_post_dir"`
	DestPostAction   string `yaml:"dest_post_action" validate:"omitempty,oneof=none symlink move"`
	DestPostDir      string `yaml:"dest_post_dir"`
	DestPostFn       string `yaml:"dest_post_fn"`

	SortKey string `yaml:"sort_key" validate:"sortkey"`

	KeyFilename   string `yaml:"key_filename"`
	StrictHostKey string `yaml:"strict_host_key" default:"yes" validate:"oneof=yes no"`

	Monitoring *Monitoring `yaml:"monitoring"`

	// UnknownKeys collects top-level keys the parser did not recognize.
	// They are dropped; the caller logs a warning for each.
	UnknownKeys []string `yaml:"-"`
}

type Monitoring struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

func (self *Feed) Enabled() bool { return self.Status == StatusEnabled }

// CronSpec returns the polling schedule for the scheduler.
func (self *Feed) CronSpec() string {
	d := time.Duration(self.PollingSeconds) * time.Second
	return "@every " + d.String()
}

func (self *Feed) SourceLocal() bool { return localHost(self.SourceHost) }
func (self *Feed) DestLocal() bool   { return localHost(self.DestHost) }

func localHost(h string) bool { return h == "" || h == "localhost" }

// SourcePost returns the normalized source post-action. The legacy value
// "pass" maps to none; callers that care log the substitution.
func (self *Feed) SourcePost() string {
	switch self.SourcePostAction {
	case "", PostNone, PostPass:
		return PostNone
	}
	return self.SourcePostAction
}

func (self *Feed) DestPost() string {
	if self.DestPostAction == "" {
		return DestPostNone
	}
	return self.DestPostAction
}

// DestName returns the destination basename for a source basename.
func (self *Feed) DestName(sourceFn string) string {
	if self.DestFn != "" {
		return self.DestFn
	}
	return sourceFn
}

// SortField returns the label of a field:<label> sort key, or "".
func (self *Feed) SortField() string {
	if rest, ok := strings.CutPrefix(self.SortKey, "field:"); ok {
		return rest
	}
	return ""
}

// Validate checks cross-field constraints the tag validators cannot express.
func (self *Feed) Validate() error {
	if err := Validator().Struct(self); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if self.SourcePostAction == PostMove && self.SourcePostDir == "" {
		return fmt.Errorf("config: source_post_action=move requires source_post_dir")
	}
	if self.DestPostAction == DestPostSymlink && self.DestPostDir == "" {
		return fmt.Errorf("config: dest_post_action=symlink requires dest_post_dir")
	}
	if self.DestPostAction == DestPostMove && self.DestPostDir == "" {
		return fmt.Errorf("config: dest_post_action=move requires dest_post_dir")
	}
	return nil
}

// Env carries process-environment settings.
type Env struct {
	Home        string `env:"HOME"`
	AuditDir    string `env:"BUFFALOFQ_AUDIT_DIR"`
	SSHAuthSock string `env:"SSH_AUTH_SOCK"`
}

func ParseEnv() (*Env, error) {
	e := &Env{}
	if err := env.Parse(e); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return e, nil
}

// DefaultKeyFilename is the identity file used when key_filename is unset.
func (self *Env) DefaultKeyFilename() string {
	return filepath.Join(self.Home, ".ssh", "id_buffalofq_rsa")
}

func ParseConfig(path string) (*Feed, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	f, err := ParseConfigBytes(bytes)
	if err != nil {
		return nil, err
	}

	if f.FeedAuditDir == "" {
		if e, err := ParseEnv(); err == nil && e.AuditDir != "" {
			f.FeedAuditDir = e.AuditDir
		} else {
			f.FeedAuditDir = filepath.Dir(path)
		}
	}
	return f, nil
}

func ParseConfigBytes(bytes []byte) (*Feed, error) {
	f := New()
	if err := yaml.Unmarshal(bytes, f); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	f.UnknownKeys = unknownKeys(bytes, f)

	// An explicit null in the document zeroes a defaulted field; put the
	// defaults back before validating.
	if err := defaults.Set(f); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func unknownKeys(bytes []byte, f *Feed) []string {
	var doc map[string]any
	if err := yaml.Unmarshal(bytes, &doc); err != nil {
		return nil
	}

	known := make(map[string]bool)
	t := reflect.TypeOf(*f)
	for i := range t.NumField() {
		name := strings.SplitN(t.Field(i).Tag.Get("yaml"), ",", 2)[0]
		if name != "" && name != "-" {
			known[name] = true
		}
	}

	var unknown []string
	for k := range doc {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	return unknown
}

func Validator() *validator.Validate {
	if validate == nil {
		validate = newValidator()
	}
	return validate
}

var validate *validator.Validate

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		// skip if tag key says it should be ignored
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("sortkey", validSortKey); err != nil {
		panic(err)
	}
	return validate
}

func validSortKey(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	switch s {
	case "", "none", "name":
		return true
	}
	if label, ok := strings.CutPrefix(s, "field:"); ok {
		return label != ""
	}
	return false
}
