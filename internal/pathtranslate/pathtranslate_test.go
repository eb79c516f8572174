package pathtranslate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostToDev(t *testing.T) {
	got := HostToDev(
		"/Users/jamie/jsx-tool/web/apps/web/.jsxtool/.gitignore",
		"/app/web",
		"/Users/jamie/jsx-tool/web",
	)
	require.Equal(t, "/app/web/apps/web/.jsxtool/.gitignore", got)
}

func TestRoundTrip(t *testing.T) {
	devRoot := "/app/web"
	hostRoot := "/Users/jamie/jsx-tool/web"

	cases := []string{
		"/app/web/apps/web/.jsxtool/.gitignore",
		"/app/web",
		"/app/web/src/index.tsx",
	}
	for _, dev := range cases {
		host := DevToHost(dev, devRoot, hostRoot)
		require.Equal(t, dev, HostToDev(host, devRoot, hostRoot))
	}
}

func TestOutsideRootUnchanged(t *testing.T) {
	got := DevToHost("/etc/passwd", "/app/web", "/Users/jamie/jsx-tool/web")
	require.Equal(t, "/etc/passwd", got)
}

func TestBackslashNormalization(t *testing.T) {
	got := DevToHost(`C:\app\web\src\index.ts`, `C:\app\web`, `D:\host\web`)
	require.Equal(t, "D:/host/web/src/index.ts", got)
}
