package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSchema_Minimal(t *testing.T) {
	err := ValidateSchema([]byte(`
name: minimal
description: smallest valid scenario
steps:
  - step: {}
`))
	assert.NoError(t, err)
}

func TestValidateSchema_Full(t *testing.T) {
	err := ValidateSchema([]byte(`
name: full
description: every section populated
defaults:
  stale_time: 60s
  cache_time: 300s
  deadline: 1s
boundaries:
  - id: root
    handles_errors: true
  - id: leaf
    parent: root
    fallback: spinner
resources:
  - key: a
    value: v
  - key: b
    error: boom
steps:
  - enqueue:
      lane: urgent
      slot: s
      payload: p
      reads:
        - key: a
          boundary: leaf
  - transition:
      - slot: s
        payload: q
  - step:
      budget: 2
  - settle:
      key: a
  - advance:
      duration: 90s
  - evict:
      key: a
  - invalidate:
      key: b
assertions:
  - type: trace_order
    events: [enqueued, committed]
`))
	assert.NoError(t, err)
}

func TestValidateSchema_Rejections(t *testing.T) {
	cases := map[string]string{
		"missing name": `
description: d
steps:
  - step: {}
`,
		"empty name": `
name: ""
description: d
steps:
  - step: {}
`,
		"empty steps": `
name: n
description: d
steps: []
`,
		"bad lane": `
name: n
description: d
steps:
  - enqueue:
      lane: asap
      slot: s
      payload: p
`,
		"negative budget": `
name: n
description: d
steps:
  - step:
      budget: -1
`,
		"unknown top-level field": `
name: n
description: d
steps:
  - step: {}
bonus: true
`,
		"bad assertion type": `
name: n
description: d
steps:
  - step: {}
assertions:
  - type: state_equals
`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateSchema([]byte(src)))
		})
	}
}
