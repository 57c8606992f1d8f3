package expand_test

import (
	"testing"

	"github.com/ntjobs/jobsos/internal/expand"
	"github.com/stretchr/testify/require"
)

var cfg = map[string]string{
	"PATHROOT":    "/srv/jobs",
	"SMTP.SERVER": "mail.example.com",
	"USER":        "alice",
}

func TestExpand(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"plain", "no variables", "no variables"},
		{"variable", "$PATHROOT/inbox", "/srv/jobs/inbox"},
		{"dotted name", "host=$SMTP.SERVER", "host=mail.example.com"},
		{"trailing dot", "root is $PATHROOT.", "root is /srv/jobs."},
		{"unknown", "$NOPE/x", "UNKNOWN/x"},
		{"lone dollar", "costs 5$ or $ 6", "costs 5$ or $ 6"},
		{"escaped dollar", "%$PATHROOT", "$PATHROOT"},
		{"percent", "100%% done", "100% done"},
		{"quote", `say %"hi%"`, `say "hi"`},
		{"newline", "a%nb", "a\nb"},
		{"backslash", `c:%\tmp`, `c:\tmp`},
		{"unknown escape", "%x and %", "%x and %"},
		{"escape then variable", "%%$USER", "%alice"},
		{"pairwise", "%%%%", "%%"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, expand.Expand(tc.given, cfg))
		})
	}
}

func TestExpandTotal(t *testing.T) {
	t.Parallel()
	out := expand.Expand("$A $B.C $_x1", nil)
	require.Equal(t, "UNKNOWN UNKNOWN UNKNOWN", out)
	require.NotContains(t, out, "$")
}

func TestExpandIdempotentOnResolvedText(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"$PATHROOT/a", "user $USER", "$MISSING", "plain"} {
		once := expand.Expand(s, cfg)
		require.Equal(t, once, expand.Expand(once, cfg), s)
		require.Equal(t, once, expand.Expand(s, cfg), s)
	}
}

func TestDict(t *testing.T) {
	t.Parallel()
	in := map[string]any{
		"PATH":  "$PATHROOT/x",
		"COUNT": 3,
		"SUB":   map[string]any{"U": "$USER"},
		"FLAT":  map[string]string{"S": "$SMTP.SERVER"},
	}
	out := expand.Dict(in, cfg)
	require.Equal(t, "/srv/jobs/x", out["PATH"])
	require.Equal(t, 3, out["COUNT"])
	require.Equal(t, map[string]any{"U": "alice"}, out["SUB"])
	require.Equal(t, map[string]string{"S": "mail.example.com"}, out["FLAT"])
	require.Equal(t, "$PATHROOT/x", in["PATH"])
}
