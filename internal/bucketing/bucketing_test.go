package bucketing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	flagz "github.com/matt-riley/flagz-sdk"
)

const testConfig = `{
  "features": [
    {
      "_id": "feat-1",
      "key": "new-checkout",
      "type": "release",
      "variations": [
        {"_id": "var-on", "key": "on", "name": "On", "variables": [{"_var": "v-test", "value": true}, {"_var": "v-copy", "value": "hello"}]},
        {"_id": "var-off", "key": "off", "name": "Off", "variables": [{"_var": "v-test", "value": false}, {"_var": "v-copy", "value": "bye"}]}
      ],
      "targets": [
        {
          "_id": "target-beta",
          "rules": [{"attribute": "plan", "operator": "in", "value": ["beta", "internal"]}],
          "distribution": [{"_variation": "var-on", "percentage": 1}]
        },
        {
          "_id": "target-all",
          "distribution": [{"_variation": "var-on", "percentage": 0.5}, {"_variation": "var-off", "percentage": 0.5}]
        }
      ]
    },
    {
      "_id": "feat-2",
      "key": "country-only",
      "type": "experiment",
      "variations": [{"_id": "var-ca", "key": "ca", "name": "CA", "variables": [{"_var": "v-limit", "value": 10}]}],
      "targets": [
        {"_id": "target-ca", "rules": [{"attribute": "country", "operator": "equals", "value": "CA"}], "distribution": [{"_variation": "var-ca", "percentage": 1}]}
      ]
    }
  ],
  "variables": [
    {"_id": "v-test", "key": "test", "type": "Boolean"},
    {"_id": "v-copy", "key": "copy", "type": "String"},
    {"_id": "v-limit", "key": "limit", "type": "Number"}
  ]
}`

func testDocument(t *testing.T) *flagz.ConfigDocument {
	t.Helper()
	return &flagz.ConfigDocument{Raw: []byte(testConfig), ETag: `"etag-1"`}
}

func TestEngineEvaluateTargetedUser(t *testing.T) {
	engine := NewEngine()
	result, err := engine.Evaluate(testDocument(t), flagz.User{
		UserID:     "u-1",
		Country:    "CA",
		CustomData: map[string]any{"plan": "beta"},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	feature, ok := result.Features["new-checkout"]
	if !ok || feature.Variation != "var-on" || feature.VariationKey != "on" {
		t.Fatalf("Features[new-checkout] = %#v, want var-on", feature)
	}
	if got := result.Variables["test"].Value; got != true {
		t.Fatalf("Variables[test].Value = %v, want true", got)
	}
	if got := result.Variables["limit"].Value; got != float64(10) {
		t.Fatalf("Variables[limit].Value = %v, want 10", got)
	}
	if got := result.Variables["limit"].Type; got != flagz.VariableTypeNumber {
		t.Fatalf("Variables[limit].Type = %q, want Number", got)
	}
	want := map[string]string{"feat-1": "var-on", "feat-2": "var-ca"}
	if fmt.Sprint(result.FeatureVars) != fmt.Sprint(want) {
		t.Fatalf("FeatureVars = %v, want %v", result.FeatureVars, want)
	}
}

func TestEngineEvaluateUntargetedFeatureIsAbsent(t *testing.T) {
	result, err := NewEngine().Evaluate(testDocument(t), flagz.User{UserID: "u-1", Country: "US"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if _, ok := result.Features["country-only"]; ok {
		t.Fatal("country-only should not be assigned to a US user")
	}
	if _, ok := result.Variables["limit"]; ok {
		t.Fatal("limit should not resolve without its feature")
	}
}

func TestEngineEvaluateIsDeterministic(t *testing.T) {
	engine := NewEngine()
	doc := testDocument(t)
	for i := 0; i < 50; i++ {
		user := flagz.User{UserID: fmt.Sprintf("user-%d", i)}
		first, err := engine.Evaluate(doc, user)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		second, err := engine.Evaluate(doc, user)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if first.FeatureVars["feat-1"] != second.FeatureVars["feat-1"] {
			t.Fatalf("user %s bucketed into %q then %q", user.UserID, first.FeatureVars["feat-1"], second.FeatureVars["feat-1"])
		}
	}
}

func TestEngineEvaluateSplitsTraffic(t *testing.T) {
	engine := NewEngine()
	doc := testDocument(t)
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		result, err := engine.Evaluate(doc, flagz.User{UserID: fmt.Sprintf("user-%d", i)})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		counts[result.FeatureVars["feat-1"]]++
	}
	for _, variation := range []string{"var-on", "var-off"} {
		if counts[variation] < 800 || counts[variation] > 1200 {
			t.Fatalf("counts = %v, want roughly even split", counts)
		}
	}
}

func TestEngineReusesParseForSameDocument(t *testing.T) {
	engine := NewEngine()
	doc := testDocument(t)
	if _, err := engine.Evaluate(doc, flagz.User{UserID: "a"}); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	parsed := engine.parsed

	if _, err := engine.Evaluate(doc, flagz.User{UserID: "b"}); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if engine.parsed != parsed {
		t.Fatal("Evaluate() re-parsed an unchanged document")
	}

	next := &flagz.ConfigDocument{Raw: []byte(`{"features":[],"variables":[]}`), ETag: `"etag-2"`}
	result, err := engine.Evaluate(next, flagz.User{UserID: "a"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Features) != 0 {
		t.Fatalf("Features = %v, want none for empty config", result.Features)
	}
}

func TestEngineEvaluateErrors(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Evaluate(nil, flagz.User{UserID: "a"}); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Evaluate(nil) error = %v, want %v", err, ErrNoConfig)
	}
	if _, err := engine.Evaluate(&flagz.ConfigDocument{Raw: []byte("{")}, flagz.User{UserID: "a"}); err == nil {
		t.Fatal("Evaluate(malformed) error = nil, want decode error")
	}
}

type countingBucketer struct {
	active int
	max    int
	mu     sync.Mutex
}

func (c *countingBucketer) Evaluate(*flagz.ConfigDocument, flagz.User) (*Result, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.max {
		c.max = c.active
	}
	c.mu.Unlock()

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return &Result{}, nil
}

func TestSerializedAllowsOneCallerAtATime(t *testing.T) {
	inner := &countingBucketer{}
	b := Serialized(inner)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Evaluate(nil, flagz.User{})
		}()
	}
	wg.Wait()

	if inner.max != 1 {
		t.Fatalf("max concurrent calls = %d, want 1", inner.max)
	}
}

func TestParseRoundTripsRules(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	rules := cfg.Features[0].Targets[0].Rules
	b, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `[{"attribute":"plan","operator":"in","value":["beta","internal"]}]` {
		t.Fatalf("rules = %s", b)
	}
}
