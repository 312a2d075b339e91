package processor

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html>
<head><title>  Getting   Started </title><style>.x{}</style></head>
<body>
  <header><a href="/home">Home</a></header>
  <nav><a href="/docs/">Docs</a></nav>
  <main>
    <h1>Install</h1>
    <p>Run the <b>installer</b> and wait.</p>
    <script>var tracking = true;</script>
    <p>Then <a href="setup#step-2">continue</a>.</p>
  </main>
  <aside>Related posts</aside>
  <a href="https://other.example.org/page">external</a>
  <a href="mailto:team@example.com">mail</a>
  <a href="javascript:void(0)">noop</a>
  <a href="ftp://example.com/file">ftp</a>
  <a href="#top">top</a>
  <footer>Copyright</footer>
</body>
</html>`

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseExtractsTitleContentAndLinks(t *testing.T) {
	doc, err := Parse([]byte(samplePage), mustURL(t, "https://example.com/guide/intro"), Options{})
	require.NoError(t, err)

	assert.Equal(t, "Getting Started", doc.Title)
	assert.Equal(t, "Install\nRun the installer and wait.\nThen continue.", doc.Content)
	assert.Equal(t, []string{
		"https://example.com/home",
		"https://example.com/docs/",
		"https://example.com/guide/setup",
	}, doc.Links)
}

func TestParseFallsBackToBody(t *testing.T) {
	body := `<html><body><div>First</div><div>Second <span>line</span></div><footer>skip</footer></body></html>`
	doc, err := Parse([]byte(body), mustURL(t, "http://example.com/"), Options{})
	require.NoError(t, err)

	assert.Equal(t, "First\nSecond line", doc.Content)
	assert.Empty(t, doc.Title)
	assert.Empty(t, doc.Links)
}

func TestParsePrefersFirstContainerInDocumentOrder(t *testing.T) {
	body := `<html><body><div class="content">Primary</div><article>Secondary</article></body></html>`
	doc, err := Parse([]byte(body), mustURL(t, "http://example.com/"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "Primary", doc.Content)
}

func TestParseUsesOpenGraphTitle(t *testing.T) {
	body := `<html><head><meta property="og:title" content="OG Title"></head><body><p>x</p></body></html>`
	doc, err := Parse([]byte(body), mustURL(t, "http://example.com/"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "OG Title", doc.Title)
}

func TestParseKeepsRepeatedLinks(t *testing.T) {
	body := `<a href="/a">1</a><a href="/a#x">2</a><a href="HTTP://EXAMPLE.com/b">3</a>`
	doc, err := Parse([]byte(body), mustURL(t, "http://example.com/"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/a", "http://example.com/a", "http://EXAMPLE.com/b"}, doc.Links)
}

func TestParseRequiresBase(t *testing.T) {
	_, err := Parse([]byte("<p>x</p>"), nil, Options{})
	assert.Error(t, err)
}
