// Package eval evaluates parsed formulas against a project snapshot.
// Evaluation is deterministic and side-effect-free: the same formula
// against the same snapshot always yields the same result and witness.
// Quantifiers range only over finite domains derived from the snapshot;
// there is no unbounded search.
package eval

import (
	"fmt"
	"sort"
	"strings"

	"specgate/internal/domain"
	"specgate/internal/rules"
)

// EvalError marks a configuration defect in a formula (undefined
// predicate, unknown domain, unbound variable). It always propagates;
// a defect never silently evaluates to false.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string {
	return "evaluation error: " + e.Msg
}

func errf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

// Entity is one element of a quantifier domain: a task, a commit, or a
// workflow state name. The variant is closed so predicates can match
// exhaustively.
type Entity struct {
	Task   *domain.Task
	Commit *domain.Commit
	State  string
}

// Label identifies the entity in witnesses and diagnostics.
func (e Entity) Label() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.Commit != nil:
		return e.Commit.ID
	default:
		return e.State
	}
}

// Env is the binding environment mapping quantifier variables to the
// entities they are currently instantiated with.
type Env map[string]Entity

func (env Env) extend(name string, e Entity) Env {
	next := make(Env, len(env)+1)
	for k, v := range env {
		next[k] = v
	}
	next[name] = e
	return next
}

// Witness records the quantifier instantiation and sub-formula that
// made a result false.
type Witness struct {
	Bindings map[string]string `json:"bindings"`
	Formula  string            `json:"formula"`
}

func (w *Witness) String() string {
	if w == nil {
		return ""
	}
	keys := make([]string, 0, len(w.Bindings))
	for k := range w.Bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + w.Bindings[k]
	}
	return fmt.Sprintf("%s [%s]", w.Formula, strings.Join(parts, ", "))
}

// Result is a boolean outcome plus, when false, the witness that
// falsified it.
type Result struct {
	Value   bool
	Witness *Witness
}

// Domain names quantifiers may range over. Every domain is an explicit
// finite set derived from the snapshot (states come from the workflow
// declaration).
const (
	DomainTasks     = "tasks"
	DomainBacklog   = "backlog"
	DomainChangelog = "changelog"
	DomainJournal   = "journal"
	DomainCommits   = "commits"
	DomainStates    = "states"
)

// KnownDomain reports whether name resolves to a finite domain. The
// registry consults this at load time so an unresolvable domain is a
// load error, not an evaluation surprise.
func KnownDomain(name string) bool {
	switch name {
	case DomainTasks, DomainBacklog, DomainChangelog, DomainJournal, DomainCommits, DomainStates:
		return true
	}
	return false
}

// predicateArity is the closed predicate table. References are checked
// once at registry load; evaluation matches exhaustively.
var predicateArity = map[string]int{
	"empty":     1, // empty[D]: domain D has no elements
	"completed": 1, // completed[t]: task t is completed
	"committed": 1, // committed[t]: task t is committed
	"validated": 1, // validated[c]: commit c passed validation
	"reverts":   1, // reverts[c]: commit c has a revert target
	"state":     1, // state[S]: project is currently in state S
	"mentioned": 2, // mentioned[t, c]: commit c's message references task t
}

// PredicateArity returns the declared arity of a predicate, or false
// for an undefined name.
func PredicateArity(name string) (int, bool) {
	n, ok := predicateArity[name]
	return n, ok
}

// Evaluator evaluates formulas for one workflow. States carries the
// workflow's declared state names, in declaration order, for the
// "states" domain.
type Evaluator struct {
	States []string
}

// Eval computes the truth value of f against snap under env.
func (ev Evaluator) Eval(f rules.Formula, snap domain.Snapshot, env Env) (Result, error) {
	switch node := f.(type) {
	case rules.Bool:
		return Result{Value: node.Value}, nil
	case rules.Not:
		sub, err := ev.Eval(node.Sub, snap, env)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: !sub.Value}, nil
	case rules.Binary:
		return ev.evalBinary(node, snap, env)
	case rules.Quantifier:
		return ev.evalQuantifier(node, snap, env)
	case rules.Predicate:
		return ev.evalPredicate(node, snap, env)
	case rules.Membership:
		return ev.evalMembership(node, env)
	}
	return Result{}, errf("unknown formula node %T", f)
}

func (ev Evaluator) evalBinary(node rules.Binary, snap domain.Snapshot, env Env) (Result, error) {
	left, err := ev.Eval(node.Left, snap, env)
	if err != nil {
		return Result{}, err
	}
	switch node.Op {
	case rules.OpAnd:
		if !left.Value {
			return left, nil
		}
		return ev.Eval(node.Right, snap, env)
	case rules.OpOr:
		if left.Value {
			return left, nil
		}
		right, err := ev.Eval(node.Right, snap, env)
		if err != nil {
			return Result{}, err
		}
		if !right.Value && right.Witness == nil {
			right.Witness = left.Witness
		}
		return right, nil
	case rules.OpImplies:
		// a -> b is not a or b.
		if !left.Value {
			return Result{Value: true}, nil
		}
		return ev.Eval(node.Right, snap, env)
	}
	return Result{}, errf("unknown connective %q", node.Op)
}

func (ev Evaluator) evalQuantifier(node rules.Quantifier, snap domain.Snapshot, env Env) (Result, error) {
	elems, err := ev.resolveDomain(node.Domain, snap)
	if err != nil {
		return Result{}, err
	}
	switch node.Kind {
	case rules.QuantForall:
		// Vacuously true over an empty domain; short-circuits on the
		// first falsifying instance, which becomes the witness.
		for _, e := range elems {
			sub, err := ev.Eval(node.Body, snap, env.extend(node.Var, e))
			if err != nil {
				return Result{}, err
			}
			if !sub.Value {
				return Result{Value: false, Witness: failingInstance(node, e, sub)}, nil
			}
		}
		return Result{Value: true}, nil
	case rules.QuantExists:
		for _, e := range elems {
			sub, err := ev.Eval(node.Body, snap, env.extend(node.Var, e))
			if err != nil {
				return Result{}, err
			}
			if sub.Value {
				return Result{Value: true}, nil
			}
		}
		// Exhausted domain: false with no witness.
		return Result{Value: false}, nil
	}
	return Result{}, errf("unknown quantifier %q", node.Kind)
}

func failingInstance(node rules.Quantifier, e Entity, sub Result) *Witness {
	w := sub.Witness
	if w == nil {
		w = &Witness{Bindings: map[string]string{}, Formula: node.Body.String()}
	}
	if w.Bindings == nil {
		w.Bindings = map[string]string{}
	}
	w.Bindings[node.Var] = e.Label()
	return w
}

func (ev Evaluator) resolveDomain(name string, snap domain.Snapshot) ([]Entity, error) {
	taskEntities := func(layer domain.Layer) []Entity {
		var out []Entity
		for i := range snap.Project.Tasks {
			t := snap.Project.Tasks[i]
			if layer == "" || t.Layer == layer {
				out = append(out, Entity{Task: &t})
			}
		}
		return out
	}
	switch name {
	case DomainTasks:
		return taskEntities(""), nil
	case DomainBacklog:
		return taskEntities(domain.LayerBacklog), nil
	case DomainChangelog:
		return taskEntities(domain.LayerChangelog), nil
	case DomainJournal:
		return taskEntities(domain.LayerJournal), nil
	case DomainCommits:
		var out []Entity
		for i := range snap.Project.Commits {
			c := snap.Project.Commits[i]
			out = append(out, Entity{Commit: &c})
		}
		return out, nil
	case DomainStates:
		var out []Entity
		for _, s := range ev.States {
			out = append(out, Entity{State: s})
		}
		return out, nil
	}
	return nil, errf("unknown domain %q", name)
}

func (ev Evaluator) evalPredicate(node rules.Predicate, snap domain.Snapshot, env Env) (Result, error) {
	arity, ok := predicateArity[node.Name]
	if !ok {
		return Result{}, errf("undefined predicate %q", node.Name)
	}
	if len(node.Args) != arity {
		return Result{}, errf("predicate %q expects %d argument(s), got %d", node.Name, arity, len(node.Args))
	}
	switch node.Name {
	case "empty":
		elems, err := ev.resolveDomain(node.Args[0].Name, snap)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: len(elems) == 0}, nil
	case "state":
		if node.Args[0].IsVar {
			e, err := entityArg(node, 0, env)
			if err != nil {
				return Result{}, err
			}
			if e.State == "" {
				return Result{}, errf("predicate %q argument %q is not a state", node.Name, node.Args[0].Name)
			}
			return Result{Value: snap.Project.State == e.State}, nil
		}
		return Result{Value: snap.Project.State == node.Args[0].Name}, nil
	case "completed", "committed":
		t, err := taskArg(node, 0, env)
		if err != nil {
			return Result{}, err
		}
		if node.Name == "completed" {
			return Result{Value: t.Completed}, nil
		}
		return Result{Value: t.Committed}, nil
	case "validated", "reverts":
		c, err := commitArg(node, 0, env)
		if err != nil {
			return Result{}, err
		}
		if node.Name == "validated" {
			return Result{Value: c.Validated}, nil
		}
		return Result{Value: c.Reverts != nil}, nil
	case "mentioned":
		t, err := taskArg(node, 0, env)
		if err != nil {
			return Result{}, err
		}
		c, err := commitArg(node, 1, env)
		if err != nil {
			return Result{}, err
		}
		return Result{Value: strings.Contains(c.Message, t.ID)}, nil
	}
	return Result{}, errf("undefined predicate %q", node.Name)
}

func entityArg(node rules.Predicate, idx int, env Env) (Entity, error) {
	arg := node.Args[idx]
	if !arg.IsVar {
		return Entity{}, errf("predicate %q argument %q must be a quantifier-bound variable", node.Name, arg.Name)
	}
	e, ok := env[arg.Name]
	if !ok {
		return Entity{}, errf("unbound variable %q in predicate %q", arg.Name, node.Name)
	}
	return e, nil
}

func taskArg(node rules.Predicate, idx int, env Env) (*domain.Task, error) {
	e, err := entityArg(node, idx, env)
	if err != nil {
		return nil, err
	}
	if e.Task == nil {
		return nil, errf("predicate %q argument %q is not a task", node.Name, node.Args[idx].Name)
	}
	return e.Task, nil
}

func commitArg(node rules.Predicate, idx int, env Env) (*domain.Commit, error) {
	e, err := entityArg(node, idx, env)
	if err != nil {
		return nil, err
	}
	if e.Commit == nil {
		return nil, errf("predicate %q argument %q is not a commit", node.Name, node.Args[idx].Name)
	}
	return e.Commit, nil
}

func (ev Evaluator) evalMembership(node rules.Membership, env Env) (Result, error) {
	e, ok := env[node.Var]
	if !ok {
		return Result{}, errf("unbound variable %q in membership test", node.Var)
	}
	switch node.Domain {
	case DomainTasks:
		return Result{Value: e.Task != nil}, nil
	case DomainBacklog, DomainChangelog, DomainJournal:
		return Result{Value: e.Task != nil && e.Task.Layer == domain.Layer(node.Domain)}, nil
	case DomainCommits:
		return Result{Value: e.Commit != nil}, nil
	case DomainStates:
		if e.State == "" {
			return Result{Value: false}, nil
		}
		for _, s := range ev.States {
			if s == e.State {
				return Result{Value: true}, nil
			}
		}
		return Result{Value: false}, nil
	}
	return Result{}, errf("unknown domain %q in membership test", node.Domain)
}
