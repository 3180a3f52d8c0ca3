package retry

import (
	"time"

	"github.com/phrazzld/taskd/internal/config"
)

// Profile is a named retry preset for one class of operation.
type Profile struct {
	Name         string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxTotalTime time.Duration
}

// Config returns a WithBackoff configuration using exponential base 2 with jitter.
func (p Profile) Config() Config {
	return Config{
		MaxAttempts:     p.MaxAttempts,
		BaseDelay:       p.BaseDelay,
		MaxDelay:        p.MaxDelay,
		ExponentialBase: 2,
		Jitter:          true,
		MaxTotalTime:    p.MaxTotalTime,
	}
}

// Built-in profile names.
const (
	ProfileResearch = "research"
	ProfileOutline  = "outline"
	ProfileContent  = "content"
	ProfileSEO      = "seo"
)

// DefaultProfiles returns the built-in presets keyed by name.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileResearch: {Name: ProfileResearch, MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxTotalTime: 180 * time.Second},
		ProfileOutline:  {Name: ProfileOutline, MaxAttempts: 2, BaseDelay: 1500 * time.Millisecond, MaxDelay: 20 * time.Second, MaxTotalTime: 120 * time.Second},
		ProfileContent:  {Name: ProfileContent, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 15 * time.Second, MaxTotalTime: 90 * time.Second},
		ProfileSEO:      {Name: ProfileSEO, MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxTotalTime: 60 * time.Second},
	}
}

// Profiles resolves named presets, applying configured overrides. Zero
// override fields keep the preset value; unknown names add new profiles.
type Profiles struct {
	byName map[string]Profile
}

// NewProfiles builds the profile set from the defaults and cfg.
func NewProfiles(cfg config.RetryConfig) *Profiles {
	byName := DefaultProfiles()
	for name, o := range cfg.Profiles {
		p, ok := byName[name]
		if !ok {
			p = Profile{Name: name, MaxAttempts: 1}
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.BaseDelay > 0 {
			p.BaseDelay = o.BaseDelay
		}
		if o.MaxDelay > 0 {
			p.MaxDelay = o.MaxDelay
		}
		if o.MaxTotalTime > 0 {
			p.MaxTotalTime = o.MaxTotalTime
		}
		byName[name] = p
	}
	return &Profiles{byName: byName}
}

// Get returns the named profile.
func (p *Profiles) Get(name string) (Profile, bool) {
	profile, ok := p.byName[name]
	return profile, ok
}
