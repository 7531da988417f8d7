package unfs

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unfsio/unfs/device"
)

func TestParallelWritersDistinctFiles(t *testing.T) {
	const writers = 64

	dev, err := device.NewMemory(1<<15, writers+2, 4)
	require.NoError(t, err)
	require.NoError(t, FormatDevice(dev, "stress"))
	fs, err := OpenDevice(dev)
	require.NoError(t, err)

	var wg sync.WaitGroup
	failures := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("/w%02d", w)
			f := fs.FileOpen(name, OpenCreate)
			if err := f.Err(); err != nil {
				failures <- err
				return
			}
			defer f.Close()

			pattern := bytes.Repeat([]byte{byte(w + 1)}, PageSize+w*17)
			for round := 0; round < 8; round++ {
				off := uint64(round) * uint64(len(pattern))
				if _, err := f.Write(pattern, off); err != nil {
					failures <- err
					return
				}
			}
			size, err := f.Stat()
			if err != nil {
				failures <- err
				return
			}
			got := make([]byte, size)
			if _, err := f.Read(got, 0); err != nil {
				failures <- err
				return
			}
			for i, b := range got {
				if b != byte(w+1) {
					failures <- fmt.Errorf("%s: byte %d is %#x", name, i, b)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatal(err)
	}

	assertInvariants(t, fs)
	require.NoError(t, fs.Close())
	require.NoError(t, CheckDevice(dev))
}

func TestParallelCreatesSameParent(t *testing.T) {
	fs, dev := newTestFS(t, 1<<13)

	require.NoError(t, fs.Create("/shared", true, false))
	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs[w] = fs.Create(fmt.Sprintf("/shared/f%d", w), false, false)
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		require.NoError(t, err, "worker %d", w)
	}

	_, _, size, err := fs.Exist("/shared")
	require.NoError(t, err)
	require.EqualValues(t, workers, size)
	assertInvariants(t, fs)
	require.NoError(t, fs.Close())
	require.NoError(t, CheckDevice(dev))
}

func TestParallelRemoveCreateChurn(t *testing.T) {
	fs, dev := newTestFS(t, 1<<13)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("/churn%d", w)
			for round := 0; round < 20; round++ {
				f := fs.FileOpen(name, OpenCreate)
				if f.Err() != nil {
					return
				}
				f.Write([]byte("spin"), uint64(round))
				f.Close()
				fs.Remove(name, false)
			}
		}(w)
	}
	wg.Wait()

	assertInvariants(t, fs)
	require.NoError(t, fs.Close())
	require.NoError(t, CheckDevice(dev))
}
