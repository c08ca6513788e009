//go:build integration

package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adraguidev/reportsync/internal/testutils"
)

func TestIntegrationPublishToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	env := testutils.StartMinioContainer(t, ctx, "reports")
	t.Cleanup(func() { env.Close(context.Background()) })

	p, err := Open(ctx, env.BucketURL, "daily", nil)
	require.NoError(t, err)
	defer p.Close()

	content := "\ufeff\"NumeroTramite\",\"Nombre\",\"source_file\"\n\"LM1\",\"Ana\",\"2024_A.csv\"\n"
	key, err := p.Publish(ctx, "CCM", writeFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, "daily/CCM/consolidado_total_CCM.csv", key)

	bkt, err := env.OpenBucket(ctx)
	require.NoError(t, err)
	defer bkt.Close()

	data, err := bkt.ReadAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	attrs, err := bkt.Attributes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ContentType, attrs.ContentType)
	assert.Equal(t, "CCM", attrs.Metadata["category"])

	ok, err := p.Exists(ctx, "daily/PRR/consolidado_total_PRR.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}
