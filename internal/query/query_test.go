package query

import (
	"testing"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []TokenType
		values   []string
	}{
		{
			name:     "simple equality",
			input:    "state=active",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"state", "=", "active", ""},
		},
		{
			name:     "not equals",
			input:    "state!=closed",
			expected: []TokenType{TokenIdent, TokenNotEquals, TokenIdent, TokenEOF},
			values:   []string{"state", "!=", "closed", ""},
		},
		{
			name:     "greater than",
			input:    "depth>1",
			expected: []TokenType{TokenIdent, TokenGreater, TokenNumber, TokenEOF},
			values:   []string{"depth", ">", "1", ""},
		},
		{
			name:     "less than or equal",
			input:    "depth<=3",
			expected: []TokenType{TokenIdent, TokenLessEq, TokenNumber, TokenEOF},
			values:   []string{"depth", "<=", "3", ""},
		},
		{
			name:     "duration value",
			input:    "created>7d",
			expected: []TokenType{TokenIdent, TokenGreater, TokenDuration, TokenEOF},
			values:   []string{"created", ">", "7d", ""},
		},
		{
			name:     "AND expression",
			input:    "state=active AND depth>1",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenAnd, TokenIdent, TokenGreater, TokenNumber, TokenEOF},
			values:   []string{"state", "=", "active", "AND", "depth", ">", "1", ""},
		},
		{
			name:     "OR expression",
			input:    "state=active OR state=recovered",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenOr, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"state", "=", "active", "OR", "state", "=", "recovered", ""},
		},
		{
			name:     "NOT expression",
			input:    "NOT state=closed",
			expected: []TokenType{TokenNot, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"NOT", "state", "=", "closed", ""},
		},
		{
			name:     "parentheses",
			input:    "(state=active)",
			expected: []TokenType{TokenLParen, TokenIdent, TokenEquals, TokenIdent, TokenRParen, TokenEOF},
			values:   []string{"(", "state", "=", "active", ")", ""},
		},
		{
			name:     "quoted string",
			input:    `name="hello world"`,
			expected: []TokenType{TokenIdent, TokenEquals, TokenString, TokenEOF},
			values:   []string{"name", "=", "hello world", ""},
		},
		{
			name:     "case insensitive keywords",
			input:    "state=active and depth>1 or type=debug",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenAnd, TokenIdent, TokenGreater, TokenNumber, TokenOr, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "negative number",
			input:    "depth>-1",
			expected: []TokenType{TokenIdent, TokenGreater, TokenNumber, TokenEOF},
			values:   []string{"depth", ">", "-1", ""},
		},
		{
			name:     "identifier with hyphen",
			input:    "frame_id=frm-abc123",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"frame_id", "=", "frm-abc123", ""},
		},
		{
			name:     "identifier with underscore",
			input:    "run_id=session_one",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"run_id", "=", "session_one", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			tokens, err := lexer.Tokenize()
			if err != nil {
				t.Fatalf("Tokenize() error = %v", err)
			}

			if len(tokens) != len(tt.expected) {
				t.Fatalf("got %d tokens, want %d", len(tokens), len(tt.expected))
			}

			for i, tok := range tokens {
				if tok.Type != tt.expected[i] {
					t.Errorf("token %d: got type %v, want %v", i, tok.Type, tt.expected[i])
				}
				if tt.values != nil && tok.Value != tt.values[i] {
					t.Errorf("token %d: got value %q, want %q", i, tok.Value, tt.values[i])
				}
			}
		})
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unterminated string", `name="hello`},
		{"invalid character", "state@active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			_, err := lexer.Tokenize()
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParser(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple comparison",
			input:    "state=active",
			expected: "state=active",
		},
		{
			name:     "AND expression",
			input:    "state=active AND depth>1",
			expected: "(state=active AND depth>1)",
		},
		{
			name:     "OR expression",
			input:    "state=active OR state=recovered",
			expected: "(state=active OR state=recovered)",
		},
		{
			name:     "NOT expression",
			input:    "NOT state=closed",
			expected: "NOT state=closed",
		},
		{
			name:     "parentheses",
			input:    "(state=active OR state=recovered) AND depth<2",
			expected: "((state=active OR state=recovered) AND depth<2)",
		},
		{
			name:     "chained AND",
			input:    "state=active AND depth>1 AND type=debug",
			expected: "((state=active AND depth>1) AND type=debug)",
		},
		{
			name:     "AND has higher precedence than OR",
			input:    "state=active OR depth>1 AND type=debug",
			expected: "(state=active OR (depth>1 AND type=debug))",
		},
		{
			name:     "NOT with parentheses",
			input:    "NOT (state=closed OR state=recovered)",
			expected: "NOT (state=closed OR state=recovered)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			got := node.String()
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty query", ""},
		{"missing value", "state="},
		{"missing operator", "state active"},
		{"unclosed paren", "(state=active"},
		{"extra paren", "state=active)"},
		{"missing operand after AND", "state=active AND"},
		{"invalid operator", "state~active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestEvaluatorSimpleQueries(t *testing.T) {
	now := time.Date(2025, 2, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		query             string
		expectFilter      func(*types.FrameFilter) bool
		requiresPredicate bool
	}{
		{
			name:  "type equals",
			query: "type=debug",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.Type != nil && *f.Type == types.FrameDebug
			},
		},
		{
			name:  "state equals",
			query: "state=active",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.State != nil && *f.State == types.FrameActive
			},
		},
		{
			name:  "people equals run id",
			query: "people=session-1",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.RunID == "session-1"
			},
		},
		{
			name:  "content equals",
			query: "content=migration",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.ContentQuery == "migration"
			},
		},
		{
			name:  "created greater than duration",
			query: "created>7d",
			expectFilter: func(f *types.FrameFilter) bool {
				expected := now.AddDate(0, 0, -7)
				return f.TimeFrom != nil && f.TimeFrom.Year() == expected.Year() &&
					f.TimeFrom.Month() == expected.Month() && f.TimeFrom.Day() == expected.Day()
			},
		},
		{
			name:  "created less than duration",
			query: "created<30d",
			expectFilter: func(f *types.FrameFilter) bool {
				expected := now.AddDate(0, 0, -30)
				return f.TimeTo != nil && f.TimeTo.Year() == expected.Year() &&
					f.TimeTo.Month() == expected.Month() && f.TimeTo.Day() == expected.Day()
			},
		},
		{
			name:  "has_outputs equals true",
			query: "has_outputs=true",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.HasOutputs != nil && *f.HasOutputs
			},
		},
		{
			name:  "AND expression",
			query: "state=active AND type=debug",
			expectFilter: func(f *types.FrameFilter) bool {
				return f.State != nil && *f.State == types.FrameActive &&
					f.Type != nil && *f.Type == types.FrameDebug
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EvaluateAt(tt.query, now)
			if err != nil {
				t.Fatalf("EvaluateAt() error = %v", err)
			}

			if tt.expectFilter != nil && !tt.expectFilter(&result.Filter) {
				t.Errorf("filter check failed for %q", tt.query)
			}

			if result.RequiresPredicate != tt.requiresPredicate {
				t.Errorf("RequiresPredicate = %v, want %v", result.RequiresPredicate, tt.requiresPredicate)
			}
		})
	}
}

func TestEvaluatorComplexQueries(t *testing.T) {
	now := time.Date(2025, 2, 4, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		query             string
		requiresPredicate bool
	}{
		{
			name:              "OR with different fields requires predicate",
			query:             "state=active OR depth>1",
			requiresPredicate: true,
		},
		{
			name:              "nested OR requires predicate",
			query:             "(state=active OR state=recovered) AND depth<2",
			requiresPredicate: true,
		},
		{
			name:              "NOT with complex expression requires predicate",
			query:             "NOT (state=closed AND type=debug)",
			requiresPredicate: true,
		},
		{
			name:              "depth comparison requires predicate",
			query:             "depth>0",
			requiresPredicate: true,
		},
		{
			name:              "score comparison requires predicate",
			query:             "score>0.5",
			requiresPredicate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EvaluateAt(tt.query, now)
			if err != nil {
				t.Fatalf("EvaluateAt() error = %v", err)
			}

			if result.RequiresPredicate != tt.requiresPredicate {
				t.Errorf("RequiresPredicate = %v, want %v", result.RequiresPredicate, tt.requiresPredicate)
			}

			if tt.requiresPredicate && result.Predicate == nil {
				t.Error("expected Predicate to be set")
			}
		})
	}
}

func TestPredicateEvaluation(t *testing.T) {
	now := time.Date(2025, 2, 4, 12, 0, 0, 0, time.UTC)

	activeDebug := &types.Frame{
		FrameID:   "frm-1",
		RunID:     "session-1",
		Type:      types.FrameDebug,
		Name:      "investigate flaky test",
		State:     types.FrameActive,
		Depth:     1,
		Score:     0.4,
		CreatedAt: now.AddDate(0, 0, -5),
	}

	closedTask := &types.Frame{
		FrameID:   "frm-2",
		RunID:     "session-2",
		Type:      types.FrameTask,
		Name:      "ship release",
		State:     types.FrameClosed,
		Depth:     0,
		Score:     0.8,
		Outputs:   map[string]any{"done": true},
		CreatedAt: now.AddDate(0, 0, -30),
	}

	recoveredFeature := &types.Frame{
		FrameID:   "frm-3",
		RunID:     "session-3",
		Type:      types.FrameFeature,
		Name:      "add caching",
		State:     types.FrameRecovered,
		Depth:     2,
		Score:     0.1,
		CreatedAt: now.AddDate(0, 0, -2),
	}

	tests := []struct {
		name    string
		query   string
		frame   *types.Frame
		matches bool
	}{
		{"state=active matches active debug", "state=active", activeDebug, true},
		{"state=active doesn't match closed task", "state=active", closedTask, false},

		{"depth>0 matches depth 1", "depth>0", activeDebug, true},
		{"depth>0 doesn't match depth 0", "depth>0", closedTask, false},

		{"type=debug matches debug", "type=debug", activeDebug, true},
		{"type=debug doesn't match task", "type=debug", closedTask, false},

		{"has_outputs=true matches", "has_outputs=true", closedTask, true},
		{"has_outputs=true doesn't match empty", "has_outputs=true", activeDebug, false},

		{"state=active OR state=recovered matches active", "state=active OR state=recovered", activeDebug, true},
		{"state=active OR state=recovered matches recovered", "state=active OR state=recovered", recoveredFeature, true},
		{"state=active OR state=recovered doesn't match closed", "state=active OR state=recovered", closedTask, false},

		{"state=active AND type=debug matches", "state=active AND type=debug", activeDebug, true},
		{"state=active AND type=debug doesn't match recovered", "state=active AND type=debug", recoveredFeature, false},

		{"NOT state=closed matches active", "NOT state=closed", activeDebug, true},
		{"NOT state=closed doesn't match closed", "NOT state=closed", closedTask, false},

		{"(state=active OR state=recovered) AND depth<2 matches depth 1", "(state=active OR state=recovered) AND depth<2", activeDebug, true},
		{"(state=active OR state=recovered) AND depth<2 doesn't match depth 2", "(state=active OR state=recovered) AND depth<2", recoveredFeature, false},
		{"(state=active OR state=recovered) AND depth<2 doesn't match closed", "(state=active OR state=recovered) AND depth<2", closedTask, false},

		{"score>0.5 matches high score", "score>0.5", closedTask, true},
		{"score>0.5 doesn't match low score", "score>0.5", recoveredFeature, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := EvaluateAt(tt.query, now)
			if err != nil {
				t.Fatalf("EvaluateAt() error = %v", err)
			}

			var got bool
			if !result.RequiresPredicate {
				eval := NewEvaluator(now)
				node, _ := Parse(tt.query)
				pred, err := eval.buildPredicate(node)
				if err != nil {
					t.Fatalf("buildPredicate() error = %v", err)
				}
				got = pred(tt.frame)
			} else {
				got = result.Predicate(tt.frame)
			}
			if got != tt.matches {
				t.Errorf("predicate(%s) = %v, want %v", tt.frame.FrameID, got, tt.matches)
			}
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"invalid depth", "depth=abc"},
		{"invalid boolean", "has_outputs=maybe"},
		{"unknown field", "unknown=value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.query)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDurationParsing(t *testing.T) {
	now := time.Date(2025, 2, 4, 12, 0, 0, 0, time.UTC)
	eval := NewEvaluator(now)

	tests := []struct {
		duration string
		expected time.Time
	}{
		{"7d", now.AddDate(0, 0, -7)},
		{"24h", now.Add(-24 * time.Hour)},
		{"2w", now.AddDate(0, 0, -14)},
		{"1m", now.AddDate(0, -1, 0)},
		{"1y", now.AddDate(-1, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.duration, func(t *testing.T) {
			got, err := eval.parseDurationAgo(tt.duration)
			if err != nil {
				t.Fatalf("parseDurationAgo() error = %v", err)
			}

			if got.Year() != tt.expected.Year() || got.Month() != tt.expected.Month() || got.Day() != tt.expected.Day() {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}
}
