package es

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/pkg/errs"
	"docuvector-go/pkg/vectorstore"
	"docuvector-go/pkg/vectorstore/storetest"
)

type fakeIndex struct {
	dims       int
	similarity string
	docs       map[string]esEntry
}

// fakeES 模拟 Store 用到的那部分 Elasticsearch REST 接口，只支持 cosine。
type fakeES struct {
	mu      sync.Mutex
	indices map[string]*fakeIndex
	failIDs map[string]bool
}

func newFakeES(t *testing.T) (*fakeES, *elasticsearch.Client) {
	f := &fakeES{indices: map[string]*fakeIndex{}, failIDs: map[string]bool{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return f, client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	name := parts[0]
	idx := f.indices[name]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	if action == "" {
		switch r.Method {
		case http.MethodHead:
			if idx == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			var body struct {
				Mappings struct {
					Properties map[string]struct {
						Dims       int    `json:"dims"`
						Similarity string `json:"similarity"`
					} `json:"properties"`
				} `json:"mappings"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			vec := body.Mappings.Properties["vector"]
			f.indices[name] = &fakeIndex{dims: vec.Dims, similarity: vec.Similarity, docs: map[string]esEntry{}}
			writeJSON(w, http.StatusOK, map[string]interface{}{"acknowledged": true, "index": name})
		}
		return
	}
	if idx == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"type": "index_not_found_exception"}})
		return
	}

	switch action {
	case "_mapping":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			name: map[string]interface{}{
				"mappings": map[string]interface{}{
					"properties": map[string]interface{}{
						"vector": map[string]interface{}{"type": "dense_vector", "dims": idx.dims, "similarity": idx.similarity},
					},
				},
			},
		})
	case "_bulk":
		f.bulk(w, r, idx)
	case "_search":
		f.search(w, r, idx)
	case "_delete_by_query":
		ids := f.matchTerms(r)
		deleted := 0
		for id, doc := range idx.docs {
			if ids[doc.DocumentID] {
				delete(idx.docs, id)
				deleted++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted, "failures": []interface{}{}})
	case "_count":
		ids := f.matchTerms(r)
		n := 0
		for _, doc := range idx.docs {
			if ids[doc.DocumentID] {
				n++
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"count": n})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

// matchTerms 解析 term 或 terms 查询中的 document_id。
func (f *fakeES) matchTerms(r *http.Request) map[string]bool {
	var body struct {
		Query struct {
			Term  map[string]string   `json:"term"`
			Terms map[string][]string `json:"terms"`
		} `json:"query"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	out := map[string]bool{}
	if v, ok := body.Query.Term["document_id"]; ok {
		out[v] = true
	}
	for _, v := range body.Query.Terms["document_id"] {
		out[v] = true
	}
	return out
}

func (f *fakeES) bulk(w http.ResponseWriter, r *http.Request, idx *fakeIndex) {
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	var items []map[string]interface{}
	hasErrors := false
	for sc.Scan() {
		var meta map[string]struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
			continue
		}
		for op, m := range meta {
			switch op {
			case "index":
				sc.Scan()
				var doc esEntry
				_ = json.Unmarshal(sc.Bytes(), &doc)
				if f.failIDs[m.ID] {
					hasErrors = true
					items = append(items, map[string]interface{}{op: map[string]interface{}{
						"_id": m.ID, "status": 429,
						"error": map[string]string{"type": "es_rejected_execution_exception", "reason": "queue full"},
					}})
					continue
				}
				idx.docs[m.ID] = doc
				items = append(items, map[string]interface{}{op: map[string]interface{}{"_id": m.ID, "status": 201}})
			case "delete":
				status := http.StatusOK
				if _, ok := idx.docs[m.ID]; !ok {
					status = http.StatusNotFound
				}
				delete(idx.docs, m.ID)
				items = append(items, map[string]interface{}{op: map[string]interface{}{"_id": m.ID, "status": status}})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"errors": hasErrors, "items": items})
}

func (f *fakeES) search(w http.ResponseWriter, r *http.Request, idx *fakeIndex) {
	var body struct {
		Knn struct {
			QueryVector []float32 `json:"query_vector"`
			K           int       `json:"k"`
		} `json:"knn"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	type scored struct {
		id    string
		doc   esEntry
		score float64
	}
	q := body.Knn.QueryVector
	var all []scored
	for id, doc := range idx.docs {
		cos := 0.0
		if qm, vm := vectorstore.Magnitude(q), vectorstore.Magnitude(doc.Vector); qm > 0 && vm > 0 {
			cos = vectorstore.Dot(q, doc.Vector) / (qm * vm)
		}
		all = append(all, scored{id: id, doc: doc, score: (1 + cos) / 2})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	if len(all) > body.Knn.K {
		all = all[:body.Knn.K]
	}
	hits := make([]map[string]interface{}, 0, len(all))
	for _, s := range all {
		src := s.doc
		src.Vector = nil
		hits = append(hits, map[string]interface{}{"_id": s.id, "_score": s.score, "_source": src})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hits": map[string]interface{}{"hits": hits}})
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, "es-test", func(t *testing.T) vectorstore.Index {
		_, client := newFakeES(t)
		return NewStore(client)
	})
}

func TestUpsertReportsPartialFailure(t *testing.T) {
	ctx := context.Background()
	f, client := newFakeES(t)
	s := NewStore(client)
	require.NoError(t, s.Create(ctx, vectorstore.Spec{Name: "partial", Dimension: 2, Metric: vectorstore.Cosine}))

	f.failIDs["d_1"] = true
	err := s.Upsert(ctx, []vectorstore.Entry{
		{ID: "d_0", DocumentID: "d", Vector: []float32{1, 0}},
		{ID: "d_1", DocumentID: "d", Vector: []float32{0, 1}},
	})
	var partial *vectorstore.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"d_0"}, partial.Succeeded)
	assert.True(t, errs.Is(err, errs.IndexUnavailable))
}

func TestCreateDetectsMetricMismatch(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeES(t)
	require.NoError(t, NewStore(client).Create(ctx, vectorstore.Spec{Name: "m", Dimension: 2, Metric: vectorstore.Cosine}))

	err := NewStore(client).Create(ctx, vectorstore.Spec{Name: "m", Dimension: 2, Metric: vectorstore.Euclidean})
	assert.True(t, errs.Is(err, errs.Configuration), "got %v", err)
}

func TestUnreachableClusterIsUnavailable(t *testing.T) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{"http://127.0.0.1:1"}, MaxRetries: 1})
	require.NoError(t, err)
	err = NewStore(client).Create(context.Background(), vectorstore.Spec{Name: "x", Dimension: 2})
	assert.True(t, errs.Is(err, errs.IndexUnavailable), "got %v", err)
}

func TestFromESScore(t *testing.T) {
	assert.InDelta(t, 1.0, fromESScore(vectorstore.Cosine, 1.0), 1e-6)
	assert.InDelta(t, 0.0, fromESScore(vectorstore.Cosine, 0.5), 1e-6)
	// l2 = 1 时 ES 返回 1/(1+1) = 0.5
	assert.InDelta(t, 0.5, fromESScore(vectorstore.Euclidean, 0.5), 1e-6)
	assert.InDelta(t, 2.0, fromESScore(vectorstore.DotProduct, 3.0), 1e-6)
	assert.InDelta(t, -1.0, fromESScore(vectorstore.DotProduct, 0.5), 1e-6)
}
