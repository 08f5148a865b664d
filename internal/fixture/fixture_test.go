package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/programme-lv/referee/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampl = `
name = "sampl-molweight"
command_prefix = "score "
scoring_key = "molWeight"

[submission]
registry = "localhost:5000"
label = "mmh42/sampl-test"
tag = "0.1"

[[elements]]
name = "mol_1"
public = true
value = "C"
answer = 16.04

[[elements]]
name = "mol_2"
public = true
file = "mol_2.smi"
answer = 30.07

[[elements]]
name = "mol_3"
file = "mol_3.smi.zst"
answer = 44.1
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mol_2.smi"), []byte("CC\n"), 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte("CCC\n"), nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mol_3.smi.zst"), compressed, 0o644))

	path := filepath.Join(dir, "challenge.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParse_ReadsInlineFileAndCompressedValues(t *testing.T) {
	c, err := Parse(writeFixture(t, sampl))
	require.NoError(t, err)

	assert.Equal(t, "sampl-molweight", c.Name)
	require.NotNil(t, c.CommandPrefix)
	assert.Equal(t, "score ", *c.CommandPrefix)
	assert.Equal(t, "localhost:5000/mmh42/sampl-test:0.1", c.Container.URI())

	require.Len(t, c.Elements, 3)
	assert.Equal(t, "C", c.Elements[0].Value)
	assert.Equal(t, "CC", c.Elements[1].Value)
	assert.Equal(t, "CCC", c.Elements[2].Value)
	assert.False(t, c.Elements[2].Public)
}

func TestParse_DefaultsScoringKeyAndPrefix(t *testing.T) {
	c, err := parse([]byte(`
name = "x"
[submission]
registry = "r"
label = "l"
tag = "t"
[[elements]]
name = "a"
value = "O"
`), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, records.DefaultScoringKey, c.ScoringKey)
	assert.Nil(t, c.CommandPrefix)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing name": `
[submission]
registry = "r"
label = "l"
tag = "t"`,
		"missing container": `name = "x"`,
		"duplicate element": `
name = "x"
[submission]
registry = "r"
label = "l"
tag = "t"
[[elements]]
name = "a"
value = "O"
[[elements]]
name = "a"
value = "N"`,
		"value and file": `
name = "x"
[submission]
registry = "r"
label = "l"
tag = "t"
[[elements]]
name = "a"
value = "O"
file = "a.smi"`,
		"no value": `
name = "x"
[submission]
registry = "r"
label = "l"
tag = "t"
[[elements]]
name = "a"`,
		"missing file": `
name = "x"
[submission]
registry = "r"
label = "l"
tag = "t"
[[elements]]
name = "a"
file = "nowhere.smi"`,
		"bad toml": `name = `,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(body), t.TempDir())
			require.Error(t, err)
		})
	}
}

func TestSeed_WritesAllRecords(t *testing.T) {
	c, err := Parse(writeFixture(t, sampl))
	require.NoError(t, err)

	store := records.NewMemStore()
	ctx := context.Background()
	ids, err := c.Seed(ctx, store)
	require.NoError(t, err)

	ch, err := store.GetChallenge(ctx, ids.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, "sampl-molweight", ch.Name)

	pub, err := store.ListInputElements(ctx, ids.ChallengeID, true)
	require.NoError(t, err)
	require.Len(t, pub, 2)
	assert.Equal(t, "mol_1", pub[0].Name)
	assert.Equal(t, 1, pub[1].Ordinal)

	priv, err := store.ListInputElements(ctx, ids.ChallengeID, false)
	require.NoError(t, err)
	require.Len(t, priv, 1)
	assert.Equal(t, 0, priv[0].Ordinal)

	v, err := store.GetInputValue(ctx, ids.Elements["mol_3"])
	require.NoError(t, err)
	assert.Equal(t, "CCC", v.Value)

	ak, err := store.GetAnswerKey(ctx, ids.ChallengeID, ids.Elements["mol_2"], "molWeight")
	require.NoError(t, err)
	assert.Equal(t, 30.07, ak.Value)

	sub, err := store.GetSubmission(ctx, ids.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, ids.ChallengeID, sub.ChallengeID)
	assert.Empty(t, sub.Container.Digest)
}
