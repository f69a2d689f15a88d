package stores

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const twoStores = `
stores:
  - id: 10
    name: ZECODE Whitefield
    slug: whitefield
    lat: 12.9698
    lng: 77.7500
    tags: [menswear]
  - id: 11
    name: ZECODE HSR Layout
    slug: hsr-layout
    lat: 12.9116
    lng: 77.6389
`

func TestSeed_Valid(t *testing.T) {
	c, err := Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("seed catalog is empty")
	}
	s, ok := c.BySlug("indiranagar")
	if !ok || s.ID != 1 || s.Pincode != "560038" {
		t.Fatalf("indiranagar = %+v %v", s, ok)
	}
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog(strings.NewReader(twoStores))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	if s, ok := c.ByID(11); !ok || s.Slug != "hsr-layout" {
		t.Fatalf("ByID(11) = %+v %v", s, ok)
	}
	if s, _ := c.ByID(11); s.Tags == nil {
		t.Fatal("missing tags should become an empty list")
	}
	if _, ok := c.ByID(99); ok {
		t.Fatal("ByID(99) should miss")
	}
}

func TestParseCatalog_AllReturnsCopy(t *testing.T) {
	c, err := ParseCatalog(strings.NewReader(twoStores))
	if err != nil {
		t.Fatal(err)
	}
	all := c.All()
	all[0].Name = "mutated"
	if s, _ := c.ByID(10); s.Name != "ZECODE Whitefield" {
		t.Fatal("All() should not expose catalog storage")
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{"empty", "", []string{"catalog is empty"}},
		{"no stores", "stores: []\n", []string{"no stores"}},
		{"unknown field", "stores:\n  - id: 1\n    name: a\n    slug: a\n    colour: red\n", []string{"colour"}},
		{
			"bad records",
			`
stores:
  - id: 1
    name: A
    slug: same
    lat: 91
    lng: 0
  - id: 1
    name: ""
    slug: same
    lat: 0
    lng: -181
`,
			[]string{"lat 91 out of range", "duplicate id", "name is required", "duplicate slug", "lng -181 out of range"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q missing %q", err, w)
				}
			}
		})
	}
}

type fakeS3 struct {
	body string
	err  error
	got  *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestLoadS3(t *testing.T) {
	f := &fakeS3{body: twoStores}
	c, err := LoadS3(context.Background(), f, "zecode-catalog", "catalog/stores.yaml")
	if err != nil {
		t.Fatalf("LoadS3: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	if aws.ToString(f.got.Bucket) != "zecode-catalog" || aws.ToString(f.got.Key) != "catalog/stores.yaml" {
		t.Fatalf("request = %s/%s", aws.ToString(f.got.Bucket), aws.ToString(f.got.Key))
	}
}

func TestLoadS3_Errors(t *testing.T) {
	denied := errors.New("AccessDenied")
	if _, err := LoadS3(context.Background(), &fakeS3{err: denied}, "b", "k"); !errors.Is(err, denied) {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
	if _, err := LoadS3(context.Background(), &fakeS3{body: "stores: [}"}, "b", "k"); err == nil || !strings.Contains(err.Error(), "parse s3://b/k") {
		t.Fatalf("err = %v", err)
	}
	if _, err := LoadS3(context.Background(), &fakeS3{}, "", "k"); err == nil {
		t.Fatal("empty bucket should fail")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	if m.ReadyErr() == nil || m.Source() != SourceUnknown || !m.LoadedAt().IsZero() {
		t.Fatal("empty manager should not be ready")
	}
	if _, ok := m.Catalog(); ok {
		t.Fatal("empty manager has no catalog")
	}

	c, _ := ParseCatalog(strings.NewReader(twoStores))
	m.Set(c, SourceS3)
	if m.ReadyErr() != nil || m.Source() != SourceS3 || m.LoadedAt().IsZero() {
		t.Fatal("manager should be ready after Set")
	}
	m.Set(nil, SourceSeed)
	if m.Source() != SourceS3 {
		t.Fatal("Set(nil) should be ignored")
	}
}
