package hugepages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPagePathForPicksPoolByMemorySize(t *testing.T) {
	path, size := pagePathFor(2 * size1G)
	assert.Equal(t, hugepages1GPath, path)
	assert.Equal(t, uint64(size1G), size)

	path, size = pagePathFor(256 * 1024 * 1024)
	assert.Equal(t, hugepages2MPath, path)
	assert.Equal(t, uint64(size2M), size)

	path, size = pagePathFor(size1G)
	assert.Equal(t, hugepages1GPath, path)
	assert.Equal(t, uint64(size1G), size)
}

func TestPageCountForExactMultiple(t *testing.T) {
	// 4GiB of 1G pages is exactly 4 pages.
	assert.Equal(t, uint64(4), pageCountFor(4*size1G, size1G))
}

func TestPageCountForRoundsUpToCoverRemainder(t *testing.T) {
	// 2.5GiB needs 3 1G pages.
	memBytes := uint64(2*size1G + size1G/2)
	assert.Equal(t, uint64(3), pageCountFor(memBytes, size1G))
}

func TestPageCountForEvenRoundsOddKB(t *testing.T) {
	// An odd number of KB is rounded up to even before dividing.
	oddKB := uint64(2049) // 1 KB over 2MiB -> rounds to 2050KB
	memBytes := oddKB * 1024
	got := pageCountFor(memBytes, size2M)
	assert.Equal(t, uint64(2), got)
}

func TestSplitPath(t *testing.T) {
	dir, file := splitPath(hugepages1GPath)
	assert.Equal(t, "/sys/kernel/mm/hugepages/hugepages-1048576kB/", dir)
	assert.Equal(t, "nr_hugepages", file)
}
