package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "default port added",
			url:      "ftp://sdrftp03.dor.state.fl.us/Tax%20Roll%20Data%20Files/2026/NAL12F.zip",
			wantHost: "sdrftp03.dor.state.fl.us:21",
			wantPath: "/Tax Roll Data Files/2026/NAL12F.zip",
		},
		{
			name:     "explicit port kept",
			url:      "ftp://host:2121/dir/file.zip",
			wantHost: "host:2121",
			wantPath: "/dir/file.zip",
		},
		{
			name:    "wrong scheme",
			url:     "https://host/file.zip",
			wantErr: true,
		},
		{
			name:    "empty path",
			url:     "ftp://host",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_Defaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.NotZero(t, f.opts.Timeout)
}
