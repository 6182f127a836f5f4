package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadharbor/harvester/internal/pipeline"
)

func page(html string) pipeline.PageState {
	return pipeline.PageState{URL: "https://example.com/biz", HTML: html}
}

func TestExtractFromEmbeddedJSON(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<script type="application/json">{"profile":{"about":{"contact":{"email":"owner@shop.example"}}}}</script>
</head><body>no visible address</body></html>`

	email, ok := NewEmail().Extract(page(html))
	require.True(t, ok)
	require.Equal(t, "owner@shop.example", email)
}

func TestExtractFromMailtoLink(t *testing.T) {
	t.Parallel()

	html := `<html><body><a href="mailto:hello@biz.example?subject=hi">Contact us</a></body></html>`

	email, ok := NewEmail().Extract(page(html))
	require.True(t, ok)
	require.Equal(t, "hello@biz.example", email)
}

func TestExtractRegexFallback(t *testing.T) {
	t.Parallel()

	html := `<html><body><p>Reach us at sales@acme.example for quotes.</p></body></html>`

	email, ok := NewEmail().Extract(page(html))
	require.True(t, ok)
	require.Equal(t, "sales@acme.example", email)
}

func TestExtractSkipsAssetReferences(t *testing.T) {
	t.Parallel()

	html := `<html><body><img src="logo@2x.png"><p>no contact here</p></body></html>`

	_, ok := NewEmail().Extract(page(html))
	require.False(t, ok)
}

func TestExtractNothingFound(t *testing.T) {
	t.Parallel()

	_, ok := NewEmail().Extract(page(`<html><body><p>hello world</p></body></html>`))
	require.False(t, ok)
}

func TestExtractPrefersEmbeddedJSONOverText(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<script type="application/ld+json">{"@type":"LocalBusiness","email":"real@biz.example"}</script>
</head><body><p>support@other.example</p></body></html>`

	email, ok := NewEmail().Extract(page(html))
	require.True(t, ok)
	require.Equal(t, "real@biz.example", email)
}
