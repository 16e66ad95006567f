package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	single := fmt.Errorf("config required name=secrets.hcl")
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	assert.Equal(t, single, FoldErrors([]error{nil, single}))
	assert.EqualError(t, FoldErrors([]error{fmt.Errorf("a"), nil, fmt.Errorf("b")}), "a\nb")
}
