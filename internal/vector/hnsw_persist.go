package vector

import (
	"bytes"
	"encoding/binary"
	"io"

	"lukechampine.com/blake3"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// On-disk layout: header (magic, version, dimension, metric), counts and
// graph state, id map, vector table, link table, then a BLAKE3 checksum
// over everything before it. Incompatible versions are a hard error.
const (
	hnswMagic   = uint32(0x43584858) // "CXHX"
	hnswVersion = uint32(1)
)

var metricTags = map[Metric]uint8{
	MetricCosine:     0,
	MetricDotProduct: 1,
	MetricEuclidean:  2,
}

var tagMetrics = map[uint8]Metric{
	0: MetricCosine,
	1: MetricDotProduct,
	2: MetricEuclidean,
}

// Save serializes the index as a single binary blob.
func (h *HNSW) Save(w io.Writer) error {
	timer := logging.StartTimer(logging.CategoryVector, "HNSW.Save")
	defer timer.Stop()

	h.mu.RLock()
	defer h.mu.RUnlock()

	var buf bytes.Buffer
	write := func(v interface{}) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	write(hnswMagic)
	write(hnswVersion)
	write(uint32(h.cfg.Dimension))
	write(metricTags[h.cfg.Metric])
	write(uint32(h.cfg.M))
	write(uint32(h.cfg.EfConstruction))
	write(uint32(h.cfg.EfSearch))
	write(uint32(len(h.ids)))
	write(int32(h.entry))
	write(uint32(h.maxLevel))

	// Bidirectional id map: internal order is implicit, deleted flagged.
	for internal, id := range h.ids {
		write(uint32(len(id)))
		buf.WriteString(id)
		var flags uint8
		if h.deleted[internal] {
			flags = 1
		}
		write(flags)
	}

	// Vector table.
	for _, vec := range h.vectors {
		for _, x := range vec {
			write(x)
		}
	}

	// Graph links.
	for internal, nodeLinks := range h.links {
		write(uint32(h.levels[internal]))
		write(uint32(len(nodeLinks)))
		for _, level := range nodeLinks {
			write(uint32(len(level)))
			for _, n := range level {
				write(n)
			}
		}
	}

	payload := buf.Bytes()
	sum := blake3.Sum256(payload)
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write(sum[:]); err != nil {
		return err
	}
	logging.VectorDebug("hnsw saved: %d vectors, %d bytes", len(h.ids), len(payload)+len(sum))
	return nil
}

// Load replaces the index contents from a saved blob. The checksum and
// version are verified before anything is applied.
func (h *HNSW) Load(r io.Reader) error {
	timer := logging.StartTimer(logging.CategoryVector, "HNSW.Load")
	defer timer.Stop()

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(raw) < 32 {
		return cortexerr.InvalidInput("hnsw blob truncated: %d bytes", len(raw))
	}
	payload, sum := raw[:len(raw)-32], raw[len(raw)-32:]
	computed := blake3.Sum256(payload)
	if !bytes.Equal(sum, computed[:]) {
		return cortexerr.InvalidInput("hnsw blob checksum mismatch")
	}

	buf := bytes.NewReader(payload)
	read := func(v interface{}) error {
		return binary.Read(buf, binary.LittleEndian, v)
	}

	var magic, version, dim uint32
	if err := read(&magic); err != nil {
		return err
	}
	if magic != hnswMagic {
		return cortexerr.InvalidInput("not an hnsw blob (magic %08x)", magic)
	}
	if err := read(&version); err != nil {
		return err
	}
	if version != hnswVersion {
		return cortexerr.InvalidInput("incompatible hnsw version %d (supported %d)", version, hnswVersion)
	}
	if err := read(&dim); err != nil {
		return err
	}

	var metricTag uint8
	if err := read(&metricTag); err != nil {
		return err
	}
	metric, ok := tagMetrics[metricTag]
	if !ok {
		return cortexerr.InvalidInput("unknown metric tag %d", metricTag)
	}

	var m, efC, efS, count uint32
	var entry int32
	var maxLevel uint32
	for _, v := range []interface{}{&m, &efC, &efS, &count, &entry, &maxLevel} {
		if err := read(v); err != nil {
			return err
		}
	}

	ids := make([]string, count)
	byDoc := make(map[string]int, count)
	deleted := make(map[int]bool)
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := read(&n); err != nil {
			return err
		}
		idBytes := make([]byte, n)
		if _, err := io.ReadFull(buf, idBytes); err != nil {
			return err
		}
		var flags uint8
		if err := read(&flags); err != nil {
			return err
		}
		ids[i] = string(idBytes)
		if flags&1 != 0 {
			deleted[int(i)] = true
		} else {
			byDoc[ids[i]] = int(i)
		}
	}

	vectors := make([][]float32, count)
	for i := uint32(0); i < count; i++ {
		vec := make([]float32, dim)
		if err := read(&vec); err != nil {
			return err
		}
		vectors[i] = vec
	}

	levels := make([]int, count)
	links := make([][][]int32, count)
	for i := uint32(0); i < count; i++ {
		var topLevel, numLevels uint32
		if err := read(&topLevel); err != nil {
			return err
		}
		if err := read(&numLevels); err != nil {
			return err
		}
		levels[i] = int(topLevel)
		nodeLinks := make([][]int32, numLevels)
		for l := uint32(0); l < numLevels; l++ {
			var n uint32
			if err := read(&n); err != nil {
				return err
			}
			level := make([]int32, n)
			if err := read(&level); err != nil {
				return err
			}
			nodeLinks[l] = level
		}
		links[i] = nodeLinks
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.Dimension = int(dim)
	h.cfg.Metric = metric
	h.cfg.M = int(m)
	h.cfg.EfConstruction = int(efC)
	h.cfg.EfSearch = int(efS)
	h.ids = ids
	h.byDoc = byDoc
	h.deleted = deleted
	h.vectors = vectors
	h.levels = levels
	h.links = links
	h.entry = int(entry)
	h.maxLevel = int(maxLevel)

	logging.Vector("hnsw loaded: %d vectors, dim=%d metric=%s", len(byDoc), dim, metric)
	return nil
}
