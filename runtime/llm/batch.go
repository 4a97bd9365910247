package llm

import (
	"context"
	"fmt"
	"sync"
)

// embedConcurrency bounds the number of in-flight embedding batches for one
// call. Batches of one logical operation may run concurrently; results are
// reassembled in input order.
const embedConcurrency = 4

// EmbedBatches embeds texts in batches of batchSize through the given
// client, preserving input order. The first batch error cancels the
// remaining batches.
func EmbedBatches(ctx context.Context, client Client, texts []string, batchSize int) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}

	type batch struct {
		start int
		texts []string
	}
	var batches []batch
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, embedConcurrency)
		vectors = make([][]float32, len(texts))
		usage   Usage
		firstErr error
	)
	for _, b := range batches {
		wg.Add(1)
		go func(b batch) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			vecs, u, err := client.Embed(ctx, b.texts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			if len(vecs) != len(b.texts) {
				if firstErr == nil {
					firstErr = fmt.Errorf("embed returned %d vectors for %d texts", len(vecs), len(b.texts))
					cancel()
				}
				return
			}
			usage.Add(u)
			for i, v := range vecs {
				vectors[b.start+i] = v
			}
		}(b)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, Usage{}, firstErr
	}
	return vectors, usage, nil
}
