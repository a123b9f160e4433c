// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package access

import (
	"regexp"

	"github.com/juju/errors"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

// patternChars lists what a privilege pattern may contain.
var patternChars = regexp.MustCompile(`^[A-Za-z0-9_.*+?()/]*$`)

// ValidatePattern returns PatternInvalid unless pattern is made of
// allowed characters and compiles.
func ValidatePattern(pattern string) error {
	_, err := compilePattern(pattern)
	return err
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if !patternChars.MatchString(pattern) {
		return nil, sonarerrors.PatternInvalid
	}
	re, err := name.Compile(pattern)
	if err != nil {
		return nil, errors.Annotate(sonarerrors.PatternInvalid, err.Error())
	}
	return re, nil
}

// Privilege grants read, write, create and delete access to the names
// matching a pattern.
type Privilege struct {
	base
	capability namespace.Capability
	pattern    string
	re         *regexp.Regexp
	privR      bool
	privW      bool
	privC      bool
	privD      bool
}

// NewPrivilege returns a privilege with an empty pattern and no flags.
func NewPrivilege(oname string) *Privilege {
	p := &Privilege{base: base{tname: namespace.PrivilegeType, name: oname}}
	p.re, _ = name.Compile("")
	return p
}

// Capability is part of the namespace.Privilege interface.
func (p *Privilege) Capability() namespace.Capability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capability
}

// SetCapability sets the capability holding the privilege.
func (p *Privilege) SetCapability(c namespace.Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capability = c
}

// Pattern is part of the namespace.Privilege interface.
func (p *Privilege) Pattern() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pattern
}

// SetPattern validates and sets the pattern.
func (p *Privilege) SetPattern(pattern string) error {
	re, err := compilePattern(pattern)
	if err != nil {
		return errors.Trace(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pattern = pattern
	p.re = re
	return nil
}

// setPatternField assigns a pattern without validation. A pattern which
// does not compile never matches.
func (p *Privilege) setPatternField(pattern string) {
	re, err := name.Compile(pattern)
	if err != nil {
		re = nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pattern = pattern
	p.re = re
}

// Matches is part of the namespace.PatternMatcher interface.
func (p *Privilege) Matches(n name.Name) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.re != nil && n.MatchesRegexp(p.re)
}

// PrivR is part of the namespace.Privilege interface.
func (p *Privilege) PrivR() bool { return p.flag(&p.privR) }

// PrivW is part of the namespace.Privilege interface.
func (p *Privilege) PrivW() bool { return p.flag(&p.privW) }

// PrivC is part of the namespace.Privilege interface.
func (p *Privilege) PrivC() bool { return p.flag(&p.privC) }

// PrivD is part of the namespace.Privilege interface.
func (p *Privilege) PrivD() bool { return p.flag(&p.privD) }

func (p *Privilege) flag(f *bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *f
}

// SetFlags sets the read, write, create and delete flags.
func (p *Privilege) SetFlags(r, w, c, d bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.privR, p.privW, p.privC, p.privD = r, w, c, d
}

func (p *Privilege) setFlag(f *bool, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*f = v
}

func flagAttribute(aname string, field func(*Privilege) *bool) namespace.Attribute {
	return namespace.Attribute{
		Name: aname,
		Type: namespace.Type{Kind: namespace.Bool},
		Get: func(o namespace.SonarObject) interface{} {
			p := o.(*Privilege)
			return p.flag(field(p))
		},
		Set: func(o namespace.SonarObject, v interface{}) error {
			p := o.(*Privilege)
			p.setFlag(field(p), boolValue(v))
			return nil
		},
	}
}

// PrivilegeSchema describes the privilege type.
var PrivilegeSchema = namespace.MustNewSchema(namespace.PrivilegeType,
	func(name string) namespace.SonarObject { return NewPrivilege(name) },
	namespace.Attribute{
		Name: "capability",
		Type: namespace.ObjectOf(namespace.CapabilityType),
		Get: func(o namespace.SonarObject) interface{} {
			if c := o.(*Privilege).Capability(); c != nil {
				return c
			}
			return nil
		},
		Set: func(o namespace.SonarObject, v interface{}) error {
			c, _ := v.(namespace.Capability)
			o.(*Privilege).SetCapability(c)
			return nil
		},
	},
	namespace.Attribute{
		Name: "pattern",
		Type: namespace.Type{Kind: namespace.String},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*Privilege).Pattern() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			return o.(*Privilege).SetPattern(stringValue(v))
		},
		Field: func(o namespace.SonarObject, v interface{}) {
			o.(*Privilege).setPatternField(stringValue(v))
		},
	},
	flagAttribute("privR", func(p *Privilege) *bool { return &p.privR }),
	flagAttribute("privW", func(p *Privilege) *bool { return &p.privW }),
	flagAttribute("privC", func(p *Privilege) *bool { return &p.privC }),
	flagAttribute("privD", func(p *Privilege) *bool { return &p.privD }),
)
