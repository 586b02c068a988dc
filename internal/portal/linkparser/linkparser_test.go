package linkparser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHost = "http://www.kreis-anzeiger.de/epaper"

func readFixture(t testing.TB, name string) []byte {
	contents, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return contents
}

func parsers(t testing.TB) map[string]Parser {
	marker, err := NewMarker("")
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Parser{
		"marker":   marker,
		"selector": NewSelector(""),
	}
}

func TestExtractMinimalAnchor(t *testing.T) {
	page := []byte(`<html><body><a href="pdf.php?x=1" target="_blank">PDF</a></body></html>`)

	for name, parser := range parsers(t) {
		t.Run(name, func(t *testing.T) {
			href, err := parser.Parse(page)
			if err != nil {
				t.Fatal(err)
			}
			link, err := Resolve(testHost, href)
			if err != nil {
				t.Fatal(err)
			}
			require.Equal(t, testHost+"/pdf.php?x=1", link.String())
		})
	}
}

func TestExtractOverviewFixture(t *testing.T) {
	page := readFixture(t, "overview.html")

	for name, parser := range parsers(t) {
		t.Run(name, func(t *testing.T) {
			href, err := parser.Parse(page)
			if err != nil {
				t.Fatal(err)
			}
			require.Equal(t, "pdf.php?ausgabe=2012-01-14&datei=gesamt.pdf", href)

			link, err := Resolve(testHost, href)
			if err != nil {
				t.Fatal(err)
			}
			require.Equal(t, "www.kreis-anzeiger.de", link.Host)
			require.Equal(t, "/epaper/pdf.php", link.Path)
			require.Equal(t, "gesamt.pdf", link.Query().Get("datei"))
		})
	}
}

func TestMarkerMissing(t *testing.T) {
	page := readFixture(t, "login_required.html")

	for name, parser := range parsers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := parser.Parse(page)
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestMarkerUnterminated(t *testing.T) {
	parser, err := NewMarker("")
	if err != nil {
		t.Fatal(err)
	}
	_, err = parser.Parse([]byte(`<a href="pdf.php?x=1`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkerRequiresQuote(t *testing.T) {
	_, err := NewMarker("pdf.php")
	require.Error(t, err)
}

func TestMarkerSingleQuotes(t *testing.T) {
	parser, err := NewMarker(`<a href='pdf.php`)
	if err != nil {
		t.Fatal(err)
	}
	href, err := parser.Parse([]byte(`<p><a href='pdf.php?id=7' class="dl">x</a></p>`))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "pdf.php?id=7", href)
}

func TestResolve(t *testing.T) {
	table := []struct {
		host     string
		href     string
		expected string
	}{
		{host: testHost, href: "pdf.php?x=1", expected: testHost + "/pdf.php?x=1"},
		{host: testHost + "/", href: "pdf.php?x=1", expected: testHost + "/pdf.php?x=1"},
		{host: testHost, href: "/pdf.php?x=1", expected: testHost + "/pdf.php?x=1"},
		{host: testHost, href: "https://cdn.example.com/a.pdf", expected: "https://cdn.example.com/a.pdf"},
	}

	for _, row := range table {
		link, err := Resolve(row.host, row.href)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, row.expected, link.String())
	}
}

func TestNew(t *testing.T) {
	parser, err := New("", "")
	if err != nil {
		t.Fatal(err)
	}
	require.IsType(t, Marker{}, parser)

	parser, err = New("selector", "a.download")
	if err != nil {
		t.Fatal(err)
	}
	href, err := parser.Parse(readFixture(t, "overview.html"))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "pdf.php?ausgabe=2012-01-14&datei=gesamt.pdf", href)

	_, err = New("regex", "")
	require.Error(t, err)
}
