package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
)

// maxAutoSeed bounds auto-assigned seeds to [0, 2^31 - 1).
const maxAutoSeed = 1<<31 - 1

// Workflower is the builder capability: anything that can render itself
// to workflow JSON can be enqueued directly.
type Workflower interface {
	ToJSON() (json.RawMessage, error)
}

// Fingerprinter is optionally implemented by builders that precompute
// their structural fingerprint.
type Fingerprinter interface {
	WorkflowFingerprint() string
}

// OutputAliaser is optionally implemented by builders that carry output
// alias metadata.
type OutputAliaser interface {
	OutputAliases() map[string]string
}

// normalizeWorkflow accepts the supported workflow inputs and returns an
// isolated deep copy: a raw node map, a JSON string or bytes, or a
// builder exposing ToJSON. After normalization the origin no longer
// matters.
func normalizeWorkflow(input any) (map[string]any, error) {
	switch v := input.(type) {
	case nil:
		return nil, fmt.Errorf("pool: nil workflow")
	case map[string]any:
		return deepCloneMap(v)
	case json.RawMessage:
		return decodeWorkflow([]byte(v))
	case []byte:
		return decodeWorkflow(v)
	case string:
		return decodeWorkflow([]byte(v))
	case Workflower:
		raw, err := v.ToJSON()
		if err != nil {
			return nil, fmt.Errorf("pool: rendering workflow builder: %w", err)
		}
		return decodeWorkflow(raw)
	default:
		return nil, fmt.Errorf("pool: unsupported workflow input %T", input)
	}
}

func decodeWorkflow(raw []byte) (map[string]any, error) {
	var wf map[string]any
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("pool: decoding workflow JSON: %w", err)
	}
	return wf, nil
}

// deepCloneMap isolates the pool's copy from caller mutation. A JSON
// round-trip is the simplest faithful clone for JSON-shaped data.
func deepCloneMap(m map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pool: cloning workflow: %w", err)
	}
	return decodeWorkflow(raw)
}

// fingerprintWorkflow hashes the structural workflow: node ids in sorted
// order, each contributing its class_type and the sorted key set of its
// inputs. Input values are excluded so jobs differing only in seeds or
// prompts share affinity and blocklist state.
func fingerprintWorkflow(wf map[string]any) string {
	ids := make([]string, 0, len(wf))
	for id := range wf {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s\x00", id)
		node, ok := wf[id].(map[string]any)
		if !ok {
			continue
		}
		if ct, ok := node["class_type"].(string); ok {
			fmt.Fprintf(h, "%s\x00", ct)
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(inputs))
		for k := range inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s\x01", k)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rewriteSeeds substitutes every inputs.seed == -1 sentinel with a random
// seed and returns the node id -> assigned seed map.
func rewriteSeeds(wf map[string]any, rng *rand.Rand) map[string]int64 {
	assigned := make(map[string]int64)
	for id, raw := range wf {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if !isSeedSentinel(inputs["seed"]) {
			continue
		}
		seed := int64(rng.Intn(maxAutoSeed))
		inputs["seed"] = seed
		assigned[id] = seed
	}
	return assigned
}

// isSeedSentinel matches -1 across the numeric shapes JSON decoding and
// direct map construction produce.
func isSeedSentinel(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == -1
	case int:
		return n == -1
	case int64:
		return n == -1
	case json.Number:
		i, err := n.Int64()
		return err == nil && i == -1
	default:
		return false
	}
}
