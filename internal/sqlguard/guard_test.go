package sqlguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		sql         string
		wantAllowed bool
		wantKeyword string
	}{
		{"plain select", "SELECT * FROM patients", true, ""},
		{"leading whitespace", "   \n\tselect id from t", true, ""},
		{"drop", "DROP TABLE patients", false, "drop"},
		{"trailing update", "select * from t; update t set x=1", false, "update"},
		{"mixed case delete", "SeLeCt 1; DeLeTe FROM t", false, "delete"},
		{"underscore identifier is not a keyword", "select * from (select * from delete_log) t", true, ""},
		{"column suffix", "select last_update from claims", true, ""},
		{"keyword as substring", "select created_at, dropped from t", true, ""},
		{"not a select", "with x as (select 1) select * from x", false, ""},
		{"explain", "EXPLAIN select 1", false, ""},
		{"empty", "", false, ""},
		{"whitespace", "   ", false, ""},
		{"keyword in literal is still denied", "select * from t where note = 'please drop by'", false, "drop"},
		{"first keyword in list order wins", "select 1; insert into t values (1); drop table t", false, "drop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Check(tt.sql)
			assert.Equal(t, tt.wantAllowed, v.Allowed, "reason: %s", v.Reason)
			assert.Equal(t, tt.wantKeyword, v.Keyword)
			if !tt.wantAllowed {
				assert.NotEmpty(t, v.Reason)
			}
			if tt.wantKeyword != "" {
				assert.Contains(t, v.Reason, tt.wantKeyword)
			}
		})
	}
}

func TestCheckEveryKeyword(t *testing.T) {
	for _, kw := range ForbiddenKeywords {
		for _, sql := range []string{
			"select * from t where x in (" + kw + ")",
			strings.ToUpper(kw) + " something",
			"select 1 " + kw,
		} {
			v := Check(sql)
			require.False(t, v.Allowed, sql)
			assert.Equal(t, kw, v.Keyword, sql)
			assert.Contains(t, v.Reason, kw)
		}
	}
}

func TestVerdictErr(t *testing.T) {
	assert.NoError(t, Check("select 1").Err())

	err := Check("drop table t").Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyDenied)
	assert.Contains(t, err.Error(), "drop")
}
