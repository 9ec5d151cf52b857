// Package fixtures builds demo catalogs, either from a seeded generator or
// from a YAML/JSON dataset file.
package fixtures

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"guardline/internal/domain"
)

// Dataset is a complete set of catalog records.
type Dataset struct {
	Actions    []domain.Action   `json:"actions" yaml:"actions"`
	Identities []domain.Identity `json:"identities" yaml:"identities"`
	Policies   []domain.Policy   `json:"policies" yaml:"policies"`
}

type Sizes struct {
	Actions    int
	Identities int
	Policies   int
}

var (
	domains = []string{"saas", "identity", "cloud", "endpoint", "ai"}

	actionsByDomain = map[string][]string{
		"saas":     {"export_data", "download_report", "share_externally", "install_app"},
		"identity": {"reset_mfa", "grant_admin", "create_user", "disable_sso"},
		"cloud":    {"create_access_key", "open_security_group", "delete_bucket", "assume_role"},
		"endpoint": {"disable_edr", "usb_mount", "run_unsigned_binary"},
		"ai":       {"read_secret", "call_external_api", "modify_prompt", "upload_dataset"},
	}
	sources = map[string][]string{
		"saas":     {"slack", "github", "salesforce"},
		"identity": {"okta", "microsoft", "google"},
		"cloud":    {"aws", "gcp", "azure"},
		"endpoint": {"crowdstrike", "jamf"},
		"ai":       {"openai", "github-copilot"},
	}

	actionStatuses   = []string{"allowed", "blocked", "pending_approval", "flagged"}
	identityStatuses = []string{"active", "active", "active", "suspended", "inactive"}
	identityTypes    = []string{"human", "human", "service", "agent"}
	policyStatuses   = []string{domain.PolicyActive, domain.PolicyActive, domain.PolicyDraft, domain.PolicyDisabled}
	policyTypes      = []string{"block", "require_approval", "monitor", "alert"}

	firstNames = []string{"ada", "brook", "cyrus", "dana", "eli", "fern", "gus", "hana", "ivo", "juno"}
	lastNames  = []string{"reyes", "okafor", "lindqvist", "tanaka", "moreau", "singh", "kowalski"}
	botNames   = []string{"deploy-bot", "billing-sync", "etl-runner", "triage-agent", "code-review-agent", "backup-svc"}
)

// riskWeights skews generated data toward the lower severities.
var riskWeights = []struct {
	level  string
	weight int
}{{domain.RiskCritical, 1}, {domain.RiskHigh, 3}, {domain.RiskMedium, 5}, {domain.RiskLow, 6}}

const horizon = 90 * 24 * time.Hour

// Generate builds a dataset deterministically from seed. Every timestamp
// falls within the 90 days before now.
func Generate(seed uint64, sizes Sizes, now time.Time) Dataset {
	g := gen{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), now: now.UTC()}
	var ds Dataset
	for i := 1; i <= sizes.Identities; i++ {
		ds.Identities = append(ds.Identities, g.identity(int64(i)))
	}
	for i := 1; i <= sizes.Actions; i++ {
		ds.Actions = append(ds.Actions, g.action(int64(i), ds.Identities))
	}
	for i := 0; i < sizes.Policies; i++ {
		ds.Policies = append(ds.Policies, g.policy(ds.Identities))
	}
	return ds
}

type gen struct {
	r   *rand.Rand
	now time.Time
}

func pick[T any](r *rand.Rand, xs []T) T { return xs[r.IntN(len(xs))] }

func (g gen) risk() string {
	total := 0
	for _, w := range riskWeights {
		total += w.weight
	}
	n := g.r.IntN(total)
	for _, w := range riskWeights {
		if n < w.weight {
			return w.level
		}
		n -= w.weight
	}
	return domain.RiskLow
}

func (g gen) past() time.Time {
	return g.now.Add(-time.Duration(g.r.Int64N(int64(horizon)))).Truncate(time.Second)
}

func (g gen) identity(id int64) domain.Identity {
	typ := pick(g.r, identityTypes)
	var name, email string
	if typ == "human" {
		first, last := pick(g.r, firstNames), pick(g.r, lastNames)
		name = first + " " + last
		email = fmt.Sprintf("%s.%s@example.com", first, last)
	} else {
		name = fmt.Sprintf("%s-%d", pick(g.r, botNames), id)
	}
	created := g.past()
	active := created.Add(time.Duration(g.r.Int64N(int64(g.now.Sub(created)) + 1))).Truncate(time.Second)
	return domain.Identity{
		ID:         id,
		Name:       name,
		Email:      email,
		Domain:     pick(g.r, domains),
		RiskLevel:  g.risk(),
		Status:     pick(g.r, identityStatuses),
		Type:       typ,
		CreatedAt:  created,
		LastActive: active,
	}
}

func (g gen) action(id int64, identities []domain.Identity) domain.Action {
	d := pick(g.r, domains)
	name := pick(g.r, actionsByDomain[d])
	src := pick(g.r, sources[d])
	a := domain.Action{
		ID:          id,
		Name:        name,
		Description: fmt.Sprintf("%s observed via %s", strings.ReplaceAll(name, "_", " "), src),
		Domain:      d,
		RiskLevel:   g.risk(),
		Status:      pick(g.r, actionStatuses),
		Type:        "event",
		Source:      src,
		OccurredAt:  g.past(),
	}
	if len(identities) > 0 {
		a.Identity = pick(g.r, identities).Name
	}
	return a
}

func (g gen) policy(identities []domain.Identity) domain.Policy {
	d := pick(g.r, domains)
	covered := actionsByDomain[d]
	n := 1 + g.r.IntN(len(covered))
	actions := make([]string, 0, n)
	for _, i := range g.r.Perm(len(covered))[:n] {
		actions = append(actions, covered[i])
	}
	idTypes := []string{pick(g.r, identityTypes)}
	created := g.past()
	p := domain.Policy{
		ID:                fmt.Sprintf("%012x%016x", uint64(created.UnixMilli())&0xffffffffffff, g.r.Uint64()),
		Name:              fmt.Sprintf("%s %s", strings.ReplaceAll(pick(g.r, policyTypes), "_", " "), strings.ReplaceAll(actions[0], "_", " ")),
		Domain:            d,
		RiskLevel:         g.risk(),
		Status:            pick(g.r, policyStatuses),
		Type:              pick(g.r, policyTypes),
		ActionsCovered:    actions,
		IdentitiesCovered: idTypes,
		CreatedAt:         created,
	}
	if p.Status == domain.PolicyActive {
		p.TriggerCount = g.r.IntN(500)
		p.Effectiveness = g.r.IntN(101)
		if p.TriggerCount > 0 {
			t := created.Add(time.Duration(g.r.Int64N(int64(g.now.Sub(created)) + 1))).Truncate(time.Second)
			p.LastTriggered = &t
		}
	}
	return p
}

// Load reads a dataset file. Files ending in .json are decoded as JSON,
// anything else as YAML.
func Load(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, err
	}
	var ds Dataset
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &ds)
	} else {
		err = yaml.Unmarshal(data, &ds)
	}
	if err != nil {
		return Dataset{}, fmt.Errorf("dataset %s: %w", path, err)
	}
	for i := range ds.Policies {
		ds.Policies[i] = ds.Policies[i].Clone()
	}
	return ds, nil
}
