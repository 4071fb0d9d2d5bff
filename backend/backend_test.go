package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"
)

// backends returns every implementation under test.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"local": local,
		"mem":   NewMem(),
	}
}

func TestBackend_WriteRead(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("pack file bytes")
			key := "ab" + fmt.Sprintf("%060d", 1)
			require.NoError(t, be.Write(KindPack, key, data))

			got, err := be.ReadFull(KindPack, key)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
}

func TestBackend_ReadPartial(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("0123456789abcdef")
			key := "cd" + fmt.Sprintf("%060d", 2)
			require.NoError(t, be.Write(KindPack, key, data))

			got, err := be.ReadPartial(KindPack, key, 4, 6)
			require.NoError(t, err)
			require.Equal(t, []byte("456789"), got)

			_, err = be.ReadPartial(KindPack, key, 12, 10)
			require.Error(t, err, "read past the end must fail")
		})
	}
}

func TestBackend_NotFound(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := be.ReadFull(KindPack, "ee"+fmt.Sprintf("%060d", 3))
			require.ErrorIs(t, err, ErrNotFound)

			_, err = be.ReadPartial(KindPack, "ee"+fmt.Sprintf("%060d", 3), 0, 1)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_KindsAreSeparate(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "0f" + fmt.Sprintf("%060d", 4)
			require.NoError(t, be.Write(KindPack, key, []byte("pack")))

			_, err := be.ReadFull(KindIndex, key)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_List(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			keys := []string{
				"aa" + fmt.Sprintf("%060d", 5),
				"bb" + fmt.Sprintf("%060d", 6),
				"cc" + fmt.Sprintf("%060d", 7),
			}
			for _, k := range keys {
				require.NoError(t, be.Write(KindIndex, k, []byte(k)))
			}

			got, err := be.List(KindIndex)
			require.NoError(t, err)
			require.ElementsMatch(t, keys, got)

			packs, err := be.List(KindPack)
			require.NoError(t, err)
			require.Empty(t, packs)
		})
	}
}

func TestBackend_Overwrite(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "11" + fmt.Sprintf("%060d", 8)
			require.NoError(t, be.Write(KindPack, key, []byte("one")))
			require.NoError(t, be.Write(KindPack, key, []byte("two")))

			got, err := be.ReadFull(KindPack, key)
			require.NoError(t, err)
			require.Equal(t, []byte("two"), got)
		})
	}
}

func TestBackend_ConcurrentWriters(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("%02x%060d", i, i)
					require.NoError(t, be.Write(KindPack, key, []byte{byte(i)}))
				}(i)
			}
			wg.Wait()

			keys, err := be.List(KindPack)
			require.NoError(t, err)
			require.Len(t, keys, 16)
		})
	}
}

func TestLocal_ShardLayout(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(dir)
	require.NoError(t, err)

	require.DirExists(t, filepath.Join(dir, "packs", "00"))
	require.DirExists(t, filepath.Join(dir, "packs", "ff"))
	require.DirExists(t, filepath.Join(dir, "index", "a7"))

	key := "a7" + fmt.Sprintf("%060d", 9)
	require.NoError(t, local.Write(KindIndex, key, []byte("x")))
	require.FileExists(t, filepath.Join(dir, "index", "a7", key))
}

func TestLocal_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocal(dir, WithFsync())
	require.NoError(t, err)

	key := "2b" + fmt.Sprintf("%060d", 10)
	require.NoError(t, local.Write(KindPack, key, []byte("durable")))

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		require.NotEqual(t, ".tmp", filepath.Ext(path), "temp file left behind: %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestLocal_DirectIO(t *testing.T) {
	if directio.BlockSize == 0 || directio.AlignSize == 0 {
		t.Skip("DirectIO not supported on this platform")
	}
	dir := t.TempDir()
	local, err := NewLocal(dir, WithDirectIO())
	require.NoError(t, err)

	// Deliberately not a block multiple, so both the aligned padding on
	// the write path and the truncate back to the true length run.
	data := make([]byte, 2*directio.BlockSize+777)
	for i := range data {
		data[i] = byte(i)
	}
	key := "3c" + fmt.Sprintf("%060d", 11)
	if err := local.Write(KindPack, key, data); err != nil {
		t.Skipf("filesystem at %s does not support DirectIO: %v", dir, err)
	}

	got, err := local.ReadFull(KindPack, key)
	require.NoError(t, err)
	require.Equal(t, data, got)

	info, err := os.Stat(filepath.Join(dir, "packs", "3c", key))
	require.NoError(t, err)
	require.EqualValues(t, len(data), info.Size(), "file must hold the exact unpadded length")

	off := uint32(directio.BlockSize - 9)
	part, err := local.ReadPartial(KindPack, key, off, 64)
	require.NoError(t, err)
	require.Equal(t, data[off:off+64], part)
}

func TestLocal_KeyTooShort(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	require.Error(t, local.Write(KindPack, "a", []byte("x")))
}
