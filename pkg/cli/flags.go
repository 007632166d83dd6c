package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/platinummonkey/taskforge/pkg/rbac"
)

func newFlagSet(name string, env *Env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Err)
	return fs
}

// subjectValue parses "user:101" or a bare user id
type subjectValue struct {
	subject rbac.Subject
	set     bool
}

func (v *subjectValue) String() string {
	if !v.set {
		return ""
	}
	return v.subject.String()
}

func (v *subjectValue) Set(s string) error {
	subject, err := rbac.ParseSubject(s)
	if err != nil {
		return err
	}
	v.subject, v.set = subject, true
	return nil
}

// scope holds the flags most commands share
type scope struct {
	org     int64
	subject subjectValue
}

func (s *scope) register(fs *flag.FlagSet, withSubject bool) {
	fs.Int64Var(&s.org, "org", 0, "Organisation id")
	if withSubject {
		fs.Var(&s.subject, "subject", "Subject as type:id (a bare id is a user)")
	}
}

func (s *scope) requireOrg() error {
	if s.org <= 0 {
		return fmt.Errorf("--org is required")
	}
	return nil
}

func (s *scope) requireSubject() error {
	if err := s.requireOrg(); err != nil {
		return err
	}
	if !s.subject.set {
		return fmt.Errorf("--subject is required")
	}
	return nil
}

// parsePermissionList splits a comma separated list of permission names
func parsePermissionList(s string) ([]rbac.PermissionName, error) {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("--permissions is required")
	}
	return rbac.ParsePermissionNames(names)
}

// parseID parses a positive numeric id, reporting false for names
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
