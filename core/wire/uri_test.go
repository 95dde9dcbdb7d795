package wire

import "testing"

func TestNormalizeTarget(t *testing.T) {
	cases := []struct {
		in        string
		wantPath  string
		wantDepth int
		wantErr   bool
	}{
		{"/a/../b", "/b", 1, false},
		{"/a/%2e%2e/b", "/b", 1, false},
		{"/../x", "", 0, true},
		{"/a%00b", "", 0, true},
		{"/a?%XY", "", 0, true},
	}

	for _, c := range cases {
		nt, err := NormalizeTarget(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("NormalizeTarget(%q): expected error, got path %q", c.in, nt.Path)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeTarget(%q): unexpected error %v", c.in, err)
			continue
		}
		if nt.Path != c.wantPath {
			t.Errorf("NormalizeTarget(%q).Path = %q, want %q", c.in, nt.Path, c.wantPath)
		}
		if nt.Depth != c.wantDepth {
			t.Errorf("NormalizeTarget(%q).Depth = %d, want %d", c.in, nt.Depth, c.wantDepth)
		}
	}
}
