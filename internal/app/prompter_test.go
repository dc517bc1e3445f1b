package app

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalPrompterAnswers(t *testing.T) {
	var out bytes.Buffer
	p := newTerminalPrompter(strings.NewReader("y\nno\n YES \n\n"), &out)
	ctx := context.Background()

	ok, err := p.ConfirmContinue(ctx, "insufficient balance")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ConfirmCancel(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.ConfirmCancel(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ConfirmCancel(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty answer defaults to no")

	_, err = p.ConfirmCancel(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.Contains(t, out.String(), "insufficient balance. Continue anyway? [y/N]: ")
	assert.Contains(t, out.String(), "Stop the automation? [y/N]: ")
}

func TestTerminalPrompterHonoursContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := newTerminalPrompter(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := p.ConfirmCancel(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
