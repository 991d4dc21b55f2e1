package strategy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

func firstFieldError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Namespace()
	}
	return "struct"
}

// Load reads and validates a single rule file. Defaults are applied to
// fields the file leaves unset; the rule id defaults to
// <symbol>_<timeframe> lowercased.
func Load(path string) (Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, fmt.Errorf("read strategy %s: %w", path, err)
	}
	var r Rule
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rule{}, &ValidationError{Source: path, Field: "yaml", Reason: err.Error()}
	}
	if err := defaults.Set(&r); err != nil {
		return Rule{}, fmt.Errorf("defaults %s: %w", path, err)
	}
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.ID == "" {
		r.ID = strings.ToLower(r.Symbol + "_" + r.Timeframe)
	}
	if err := Validate(r); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Source == "" {
			verr.Source = path
		}
		return Rule{}, err
	}
	return r, nil
}

// LoadDir loads every *.yaml/*.yml rule under dir. Invalid files are
// collected as errors and skipped; valid rules still load, so one bad
// strategy never takes down the rest. A duplicate (symbol, timeframe)
// pair is an error on the later file.
func LoadDir(dir string) ([]Rule, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read strategy dir %s: %w", dir, err)}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		rules []Rule
		errs  []error
		seen  = map[Key]string{}
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		r, err := Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[r.Key()]; dup {
			errs = append(errs, &ValidationError{
				Source: path,
				Field:  "symbol/timeframe",
				Reason: fmt.Sprintf("duplicate pair %s already defined in %s", r.Key(), prev),
			})
			continue
		}
		seen[r.Key()] = path
		rules = append(rules, r)
	}
	return rules, errs
}
