package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStagehandServer(t *testing.T) {
	s := NewStagehandServer(StagehandServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewStagehandServer(StagehandServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 12)

	expectedTools := []string{
		"stagehand.create_workflow",
		"stagehand.get_workflow",
		"stagehand.list_workflows",
		"stagehand.delete_workflow",
		"stagehand.start",
		"stagehand.execute_next",
		"stagehand.resume",
		"stagehand.cancel",
		"stagehand.status",
		"stagehand.list_sessions",
		"stagehand.register_agent",
		"stagehand.schedule",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}
