package detection

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/camwatch/internal/errors"
)

func TestRuleSetMatch(t *testing.T) {
	tests := []struct {
		name   string
		rules  []Rule
		policy CasePolicy
		text   string
		want   bool
	}{
		{"camera title matches", []Rule{NewRule("Camera")}, CaseSensitive, "IP Camera Live View", true},
		{"login does not match", []Rule{NewRule("Camera")}, CaseSensitive, "Login", false},
		{"empty set never matches", nil, CaseSensitive, "Camera", false},
		{"rule without filters never matches", []Rule{{}}, CaseSensitive, "", false},
		{"all filters must match", []Rule{NewRule("Network", "Camera")}, CaseSensitive, "Network Video", false},
		{"second rule matches", []Rule{NewRule("DVR"), NewRule("Webcam")}, CaseSensitive, "Webcam 7", true},
		{"case sensitive by default", []Rule{NewRule("Camera")}, CaseSensitive, "ip camera", false},
		{"case insensitive policy", []Rule{NewRule("Camera")}, CaseInsensitive, "ip CAMERA", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewRuleSet(tt.policy, tt.rules...)
			assert.Equal(t, tt.want, rs.Match(tt.text))
		})
	}
}

func TestMatchRuleShortCircuits(t *testing.T) {
	rs := NewRuleSet(CaseSensitive, NewRule("Cam"), NewRule("Camera"))

	idx, ok := rs.MatchRule("Camera")
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = rs.MatchRule("nothing")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
}

func TestRuleSetAddIsAppendOnly(t *testing.T) {
	rs := NewRuleSet(CaseSensitive, NewRule("A"))
	rs.Add(NewRule("B"), NewRule("C"))
	rs.Add()

	rules := rs.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "A", rules[0].Filters[0].Pattern)
	assert.Equal(t, "C", rules[2].Filters[0].Pattern)

	// mutating the copy leaves the set untouched
	rules[0].Filters[0].Pattern = "Z"
	assert.Equal(t, "A", rs.Rules()[0].Filters[0].Pattern)
}

func TestRuleSetConcurrentAccess(t *testing.T) {
	rs := NewRuleSet(CaseSensitive)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rs.Add(NewRule("Camera"))
		}()
		go func() {
			defer wg.Done()
			rs.Match("IP Camera")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, rs.Len())
	assert.True(t, rs.Match("IP Camera"))
}

func TestParse(t *testing.T) {
	t.Run("json rules file", func(t *testing.T) {
		data := []byte(`[
			{"intitle": ["Camera"]},
			{"intitle": ["Network", "Video"], "comment": "ignored"},
			{"unknown": ["x"]}
		]`)
		rules, err := Parse(data, FormatJSON)
		require.NoError(t, err)
		require.Len(t, rules, 3)
		assert.Equal(t, NewRule("Camera"), rules[0])
		assert.Equal(t, NewRule("Network", "Video"), rules[1])
		assert.Empty(t, rules[2].Filters)
	})

	t.Run("yaml rules file", func(t *testing.T) {
		data := []byte("- intitle: [\"Live View\"]\n- InTitle:\n    - DVR\n")
		rules, err := Parse(data, FormatYAML)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "Live View", rules[0].Filters[0].Pattern)
		assert.Equal(t, KindInTitle, rules[1].Filters[0].Kind)
	})

	t.Run("wrong value type", func(t *testing.T) {
		_, err := Parse([]byte(`[{"intitle": "Camera"}]`), FormatJSON)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("non string pattern", func(t *testing.T) {
		_, err := Parse([]byte(`[{"intitle": [1]}]`), FormatJSON)
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Load(strings.NewReader(`[{`), FormatJSON)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"intitle":["Camera"]}]`), 0o600))
	rules, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.IsCode(err, errors.CodeFileNotFound))

	assert.Equal(t, FormatYAML, FormatFromPath("rules.YML"))
	assert.Equal(t, FormatJSON, FormatFromPath("rules"))
}

func TestDocument(t *testing.T) {
	doc := Document([]Rule{NewRule("A", "B"), {}})
	require.Len(t, doc, 2)
	assert.Equal(t, []string{"A", "B"}, doc[0]["intitle"])
	assert.Empty(t, doc[1])
}
