// Package bdd runs the end-to-end governance scenarios as godog features,
// driving the assembled kernel the way an embedding caller would.
package bdd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"github.com/bartholomew/memkernel/internal/kernel"
	"github.com/bartholomew/memkernel/internal/kernel/kernelerr"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
)

const scenarioRules = `
redact:
  - match:
      content: "(?i)password.*"
    metadata:
      redact_strategy: "mask"
      encrypt: "strong"
ask_before_store:
  - match:
      kind: "diary"
    metadata:
      embed: "full"
context_only:
  - match:
      kind: "sensitive_joke"
    metadata:
      recall_policy: "context_only"
      embed: "full"
      embed_store: true
`

type suite struct {
	dir    string
	dbPath string
	k      *kernel.Kernel

	lastUpsertID     int64
	lastNeedsConsent bool
	lastStored       bool
	lastResults      []retrieve.Result
}

func (s *suite) open() error {
	rulesPath := filepath.Join(s.dir, "memory_rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(scenarioRules), 0o600); err != nil {
		return err
	}
	k, err := kernel.Open(kernel.Options{
		DBPath:    s.dbPath,
		RulesPath: rulesPath,
		EmbedDim:  32,
		Retrieval: retrieve.DefaultConfig(),
	})
	if err != nil {
		return err
	}
	s.k = k
	return nil
}

func (s *suite) aFreshMemoryKernel() error {
	dir, err := os.MkdirTemp("", "memkernel-bdd-*")
	if err != nil {
		return err
	}
	s.dir = dir
	s.dbPath = filepath.Join(dir, "mem.db")
	return s.open()
}

func (s *suite) iUpsert(kind, key, value string) error {
	res, err := s.k.Upsert(kind, key, value, time.Now(), nil, nil)
	if err != nil {
		return err
	}
	s.lastUpsertID = res.ID
	s.lastNeedsConsent = res.NeedsConsent
	s.lastStored = res.Stored
	return nil
}

func (s *suite) theUpsertIsStored() error {
	if !s.lastStored {
		return errors.New("expected the record to be stored")
	}
	return nil
}

func (s *suite) theUpsertReportsConsentNeeded() error {
	if !s.lastNeedsConsent {
		return errors.New("expected needs_consent to be reported")
	}
	return nil
}

func (s *suite) storedValueIsEncrypted(kind, key string) error {
	value, err := s.loadStoredValue(kind, key)
	if err != nil {
		return err
	}
	if !strings.Contains(value, `"scheme"`) {
		return errors.New("stored value is not an encryption envelope")
	}
	return nil
}

func (s *suite) storedValueDoesNotContain(kind, key, needle string) error {
	value, err := s.loadStoredValue(kind, key)
	if err != nil {
		return err
	}
	if strings.Contains(value, needle) {
		return fmt.Errorf("stored value leaks %q", needle)
	}
	return nil
}

func (s *suite) loadStoredValue(kind, key string) (string, error) {
	var value string
	err := s.k.Store().DB().QueryRow(`SELECT value FROM memories WHERE kind=? AND key=?`, kind, key).Scan(&value)
	return value, err
}

func (s *suite) retrievingReturnsNoResults(query string) error {
	results, err := s.k.Retrieve(query, 5, retrieve.Filters{}, "")
	if err != nil {
		return err
	}
	s.lastResults = results
	if len(results) != 0 {
		return fmt.Errorf("expected no results, got %d", len(results))
	}
	return nil
}

func (s *suite) retrievingReturnsNResults(query string, n int) error {
	results, err := s.k.Retrieve(query, 5, retrieve.Filters{}, "")
	if err != nil {
		return err
	}
	s.lastResults = results
	if len(results) != n {
		return fmt.Errorf("expected %d results, got %d", n, len(results))
	}
	return nil
}

func (s *suite) firstResultIsContextOnly() error {
	if len(s.lastResults) == 0 {
		return errors.New("no results to inspect")
	}
	if !s.lastResults[0].ContextOnly {
		return errors.New("expected the first result to be marked context only")
	}
	return nil
}

func (s *suite) iGrantConsent(kind, key string) error {
	ok, err := s.k.GrantConsent(kind, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no record found at (%s, %s) to consent to", kind, key)
	}
	return nil
}

func (s *suite) iPromoteEphemeralEmbeddings() error {
	_, err := s.k.PersistEmbeddingsFor(s.lastUpsertID)
	return err
}

func (s *suite) iEngageBrake(scope string) error {
	return s.k.BrakeEngage(scope)
}

func (s *suite) iDisengageBrake() error {
	return s.k.BrakeDisengage()
}

func (s *suite) upsertFailsBrakeEngaged(kind, key, value string) error {
	_, err := s.k.Upsert(kind, key, value, time.Now(), nil, nil)
	if !errors.Is(err, kernelerr.ErrBrakeEngaged) {
		return fmt.Errorf("expected brake-engaged refusal, got %v", err)
	}
	return nil
}

func (s *suite) upsertSucceeds(kind, key, value string) error {
	res, err := s.k.Upsert(kind, key, value, time.Now(), nil, nil)
	if err != nil {
		return err
	}
	if !res.Stored {
		return errors.New("expected the record to be stored")
	}
	return nil
}

func (s *suite) iRestartKernel() error {
	if err := s.k.Close(); err != nil {
		return err
	}
	return s.open()
}

func (s *suite) brakeEngagedWithScope(scope string) error {
	state := s.k.BrakeStatus()
	if !state.Engaged {
		return errors.New("expected the brake to be engaged")
	}
	for _, sc := range state.Scopes {
		if sc == scope {
			return nil
		}
	}
	return fmt.Errorf("scope %q missing from %v", scope, state.Scopes)
}

// InitializeScenario registers the governance step definitions.
func InitializeScenario(ctx *godog.ScenarioContext) {
	s := &suite{}

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if s.k != nil {
			_ = s.k.Close()
			s.k = nil
		}
		if s.dir != "" {
			_ = os.RemoveAll(s.dir)
			s.dir = ""
		}
		return c, err
	})

	ctx.Step(`^a fresh memory kernel$`, s.aFreshMemoryKernel)
	ctx.Step(`^I upsert kind "([^"]*)" key "([^"]*)" with value "([^"]*)"$`, s.iUpsert)
	ctx.Step(`^the upsert is stored$`, s.theUpsertIsStored)
	ctx.Step(`^the upsert reports consent is needed$`, s.theUpsertReportsConsentNeeded)
	ctx.Step(`^the stored value for kind "([^"]*)" key "([^"]*)" is encrypted$`, s.storedValueIsEncrypted)
	ctx.Step(`^the stored value for kind "([^"]*)" key "([^"]*)" does not contain "([^"]*)"$`, s.storedValueDoesNotContain)
	ctx.Step(`^retrieving "([^"]*)" returns no results$`, s.retrievingReturnsNoResults)
	ctx.Step(`^retrieving "([^"]*)" returns (\d+) results?$`, s.retrievingReturnsNResults)
	ctx.Step(`^the first result is marked context only$`, s.firstResultIsContextOnly)
	ctx.Step(`^I grant consent for kind "([^"]*)" key "([^"]*)"$`, s.iGrantConsent)
	ctx.Step(`^I promote the ephemeral embeddings of the last upsert$`, s.iPromoteEphemeralEmbeddings)
	ctx.Step(`^I engage the brake for scope "([^"]*)"$`, s.iEngageBrake)
	ctx.Step(`^I disengage the brake$`, s.iDisengageBrake)
	ctx.Step(`^I restart the kernel$`, s.iRestartKernel)
	ctx.Step(`^upserting kind "([^"]*)" key "([^"]*)" with value "([^"]*)" fails because the brake is engaged$`, s.upsertFailsBrakeEngaged)
	ctx.Step(`^upserting kind "([^"]*)" key "([^"]*)" with value "([^"]*)" succeeds$`, s.upsertSucceeds)
	ctx.Step(`^the brake is engaged with scope "([^"]*)"$`, s.brakeEngagedWithScope)
}
