package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the work a single expression may do per evaluation.
const costLimit = 1000000

// Engine compiles factor rules to CEL programs and evaluates them against
// transaction facts. Safe for concurrent use.
type Engine struct {
	env      *cel.Env
	store    RuleStore
	cache    RulesCache
	programs map[string]cel.Program // rule id -> program
	mu       sync.RWMutex

	refreshMu sync.Mutex // serializes list+set so the last refresh wins
}

// NewEngine creates an engine whose environment declares the Transaction
// and Customer fact objects, then compiles every active rule in store.
func NewEngine(store RuleStore) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable(TransactionVar, cel.DynType),
		cel.Variable(CustomerVar, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return NewEngineWithEnv(env, store)
}

// NewEngineWithEnv creates an engine over a caller-supplied environment.
func NewEngineWithEnv(env *cel.Env, store RuleStore) (*Engine, error) {
	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// CompileRule type-checks expression and caches its program under ruleID.
func (en *Engine) CompileRule(ruleID, expression string) error {
	prog, err := en.compile(expression)
	if err != nil {
		return err
	}

	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()
	return nil
}

func (en *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

// CompileAllRules compiles the store's active rules and primes the cache.
func (en *Engine) CompileAllRules() error {
	rules, err := en.store.ListActive()
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := en.CompileRule(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.Set(rules)
	return nil
}

// AddRule validates, compiles and stores r. The store is untouched when
// either check fails, and the program is discarded when the store rejects r.
func (en *Engine) AddRule(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("rule %s: %w", r.ID, ErrRuleExists)
	}

	if err := en.CompileRule(r.ID, r.Expression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	if err := en.store.Add(r); err != nil {
		en.mu.Lock()
		delete(en.programs, r.ID)
		en.mu.Unlock()
		return err
	}

	en.refreshCache()
	return nil
}

// UpdateRule recompiles r and replaces the stored copy. The previous program
// stays in place if the new expression does not compile.
func (en *Engine) UpdateRule(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	prog, err := en.compile(r.Expression)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	if err := en.store.Update(r); err != nil {
		return err
	}

	en.mu.Lock()
	en.programs[r.ID] = prog
	en.mu.Unlock()

	en.refreshCache()
	return nil
}

func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()

	en.refreshCache()
	return nil
}

// refreshCache reloads the active list after a mutation so evaluation does
// not go back to the store. On failure the cache is left invalid and the next
// EvaluateAll retries the load.
func (en *Engine) refreshCache() {
	en.refreshMu.Lock()
	defer en.refreshMu.Unlock()

	en.cache.Invalidate()
	if rules, err := en.store.ListActive(); err == nil {
		en.cache.Set(rules)
	}
}

// Rule returns the stored rule with id, active or not.
func (en *Engine) Rule(id string) (*Rule, error) {
	return en.store.Get(id)
}

// Evaluate runs a single rule. Non-boolean results count as no match.
func (en *Engine) Evaluate(ruleID string, facts map[string]any) (*EvaluationResult, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}

	res := en.run(rule, facts)
	return res, res.Error
}

// EvaluateAll runs every active rule in evaluation order. A rule that errors
// is reported in its result and does not stop the others.
func (en *Engine) EvaluateAll(facts map[string]any) ([]*EvaluationResult, error) {
	rules, err := en.ActiveRules()
	if err != nil {
		return nil, err
	}

	results := make([]*EvaluationResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, en.run(rule, facts))
	}
	return results, nil
}

// ActiveRules returns the cached active rules, refilling from the store on a miss.
func (en *Engine) ActiveRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}

	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Set(rules)
	return rules, nil
}

func (en *Engine) run(rule *Rule, facts map[string]any) *EvaluationResult {
	res := &EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Points:   rule.Points,
	}

	en.mu.RLock()
	prog, ok := en.programs[rule.ID]
	en.mu.RUnlock()
	if !ok {
		res.Error = fmt.Errorf("rule %s is not compiled", rule.ID)
		return res
	}

	out, details, err := prog.Eval(facts)
	if err != nil {
		res.Error = err
		return res
	}

	if b, ok := out.Value().(bool); ok {
		res.Matched = b
	}
	if details != nil {
		res.Trace = details.State()
	}
	return res
}
