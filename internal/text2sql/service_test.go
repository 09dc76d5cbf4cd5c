package text2sql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/policychat/internal/sqlexec"
	"github.com/raphaelgruber/policychat/internal/sqlguard"
)

type scriptedModel struct {
	replies []string
	errs    []error
	prompts []string
}

func (m *scriptedModel) GenerateWithSystem(_ context.Context, _, user string) (string, error) {
	i := len(m.prompts)
	m.prompts = append(m.prompts, user)
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if err != nil {
		return "", err
	}
	return m.replies[i], nil
}

type fakeDB struct {
	res   *sqlexec.Result
	err   error
	calls []string
}

func (d *fakeDB) Query(_ context.Context, sql string) (*sqlexec.Result, error) {
	d.calls = append(d.calls, sql)
	return d.res, d.err
}

const meta = StaticMetadata("policies:\n  columns: [policy_number, premium]\n")

func TestAsk(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"```sql\nSELECT policy_number, premium FROM policies\n```",
		"Two policies were found.",
	}}
	db := &fakeDB{res: &sqlexec.Result{
		Columns: []string{"policy_number", "premium"},
		Rows:    [][]any{{"P-1", 100}, {"P-2", 80}},
	}}
	svc := NewService(meta, model, db, nil, nil)

	ans, err := svc.Ask(context.Background(), "list policies")
	require.NoError(t, err)
	assert.Equal(t, "SELECT policy_number, premium FROM policies", ans.SQL)
	assert.Equal(t, "Two policies were found.", ans.Summary)
	assert.Empty(t, ans.Message)
	assert.Equal(t, []string{ans.SQL}, db.calls)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "policy_number, premium")
	assert.Contains(t, model.prompts[0], `"list policies"`)
	assert.Contains(t, model.prompts[1], "P-1 | 100")
	assert.Contains(t, model.prompts[1], "Maximum 100 words")
}

func TestAskRejectsUnsafeGeneratedSQL(t *testing.T) {
	model := &scriptedModel{replies: []string{"DELETE FROM policies"}}
	db := &fakeDB{}
	svc := NewService(meta, model, db, nil, nil)

	ans, err := svc.Ask(context.Background(), "remove everything")
	require.ErrorIs(t, err, sqlguard.ErrSafetyDenied)
	assert.Equal(t, "Sorry, delete operations are not allowed for security reasons.", ans.Message)
	assert.Empty(t, db.calls)
}

func TestAskQueryFailure(t *testing.T) {
	model := &scriptedModel{replies: []string{"SELECT * FROM claims"}}
	db := &fakeDB{err: fmt.Errorf("%w: relation does not exist", sqlexec.ErrMissingObject)}
	svc := NewService(meta, model, db, nil, nil)

	ans, err := svc.Ask(context.Background(), "claims?")
	require.ErrorIs(t, err, sqlexec.ErrMissingObject)
	assert.Contains(t, ans.Message, "couldn't find the data")
}

func TestAskSummaryFailureKeepsRows(t *testing.T) {
	model := &scriptedModel{
		replies: []string{"SELECT 1", ""},
		errs:    []error{nil, errors.New("model down")},
	}
	db := &fakeDB{res: &sqlexec.Result{Columns: []string{"n"}, Rows: [][]any{{1}}}}
	svc := NewService(meta, model, db, nil, nil)

	ans, err := svc.Ask(context.Background(), "one?")
	require.NoError(t, err)
	assert.Empty(t, ans.Summary)
	require.NotNil(t, ans.Result)
	assert.Len(t, ans.Result.Rows, 1)
}

func TestAskNoRows(t *testing.T) {
	model := &scriptedModel{replies: []string{"SELECT 1 WHERE false"}}
	svc := NewService(meta, model, &fakeDB{res: &sqlexec.Result{Columns: []string{"n"}}}, nil, nil)

	ans, err := svc.Ask(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, "No results found for your query.", ans.Summary)
	assert.Len(t, model.prompts, 1)
}

func TestAskMetadataUnavailable(t *testing.T) {
	svc := NewService(StaticMetadata(""), &scriptedModel{}, &fakeDB{}, nil, nil)

	ans, err := svc.Ask(context.Background(), "q")
	require.ErrorIs(t, err, ErrMetadataUnavailable)
	assert.Contains(t, ans.Message, "metadata")
}

func TestCleanSQL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"  SELECT 1 \n", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT 2\n```", "SELECT 2"},
		{"Here you go:\n```SQL\nSELECT 3;\n```\nEnjoy", "SELECT 3;"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanSQL(tt.in), tt.in)
	}
}

func TestFormatResultLimit(t *testing.T) {
	res := &sqlexec.Result{Columns: []string{"n"}, Rows: [][]any{{1}, {2}, {3}}}
	out := FormatResult(res, 2)
	assert.Equal(t, "n\n1\n2\n... 1 more rows\n", out)
}

type fakeS3 struct {
	body  string
	err   error
	calls int
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3Metadata(t *testing.T) {
	api := &fakeS3{body: `{"tables": [{"name": "policies", "columns": ["policy_number"]}]}`}
	src := NewS3Metadata(api, "bucket", "metadata.json")

	got, err := src.Metadata(context.Background())
	require.NoError(t, err)
	assert.Contains(t, got, "name: policies")

	_, err = src.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls, "metadata is cached")
}

func TestS3MetadataMissing(t *testing.T) {
	src := NewS3Metadata(&fakeS3{err: &types.NoSuchKey{}}, "bucket", "metadata.json")
	_, err := src.Metadata(context.Background())
	require.ErrorIs(t, err, ErrMetadataUnavailable)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestRenderMetadata(t *testing.T) {
	out, err := RenderMetadata([]byte("tables:\n  - name: claims\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "name: claims")

	_, err = RenderMetadata([]byte(""))
	require.ErrorIs(t, err, ErrMetadataUnavailable)

	_, err = RenderMetadata([]byte("{not: [valid"))
	require.ErrorIs(t, err, ErrMetadataUnavailable)
}
