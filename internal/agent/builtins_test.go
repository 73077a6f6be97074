package agent

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
)

func readArtifact(t *testing.T, req *Request, art *core.Artifact) string {
	t.Helper()
	rc, err := req.Artifacts.Open(context.Background(), art.StoragePath)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestGeneralRun(t *testing.T) {
	t.Parallel()

	models, client := newModels(t, reply{content: "Paris is the capital of France."})
	agent := NewGeneral(models)

	result, err := agent.Run(context.Background(), newTestRequest(t, "What is the capital of France?"))
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result.Text)
	assert.Equal(t, "Paris is the capital of France.", result.Summary)
	assert.Empty(t, result.Artifacts)

	require.Equal(t, 1, client.calls())
	req := client.request(0)
	assert.Equal(t, "gpt-4o", req.Model, "empty task model resolves to the default")
	assert.Contains(t, req.System, "executing one task")
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "What is the capital of France?", req.Messages[0].Content)
}

func TestGeneralWithDependencyContext(t *testing.T) {
	t.Parallel()

	models, client := newModels(t, reply{content: "done"})
	agent := NewGeneral(models)

	req := newTestRequest(t, "Combine the findings")
	req.Inputs = []Input{{Summary: "Pricing", Text: "Average price is 20 USD."}}

	_, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, client.request(0).Messages[0].Content, "Average price is 20 USD.")
}

func TestGeneralInstructions(t *testing.T) {
	t.Parallel()

	models, client := newModels(t, reply{content: "oui"})
	agent := NewGeneral(models)

	req := newTestRequest(t, "Say yes")
	req.Instructions = "Respond in French."

	_, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(client.request(0).System, "Respond in French.\n\n"))
}

func TestGeneralTransientProviderError(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{err: llm.NewAPIError("openai", 503, "overloaded")})
	agent := NewGeneral(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "anything"))
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
}

func TestReportRun(t *testing.T) {
	t.Parallel()

	const document = "# Market Report\n\nDemand is growing."
	models, client := newModels(t, reply{content: "```markdown\n" + document + "\n```"})
	agent := NewReport(models)

	req := newTestRequest(t, "Write the market report")
	result, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, document, result.Text, "code fence stripped")
	assert.Equal(t, "Market Report", result.Summary)

	require.Len(t, result.Artifacts, 1)
	art := result.Artifacts[0]
	assert.Equal(t, "report.md", art.Name)
	assert.Equal(t, core.ArtifactMarkdown, art.Type)
	assert.Equal(t, "text/markdown", art.MimeType)
	assert.Equal(t, document, readArtifact(t, req, art))

	llmReq := client.request(0)
	require.NotNil(t, llmReq.MaxTokens)
	assert.Equal(t, reportMaxTokens, *llmReq.MaxTokens)
}

func TestReportEmptyDocument(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{content: "   \n  "})
	agent := NewReport(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "Write a report"))
	require.Error(t, err)
	assert.Equal(t, core.KindPermanent, core.KindOf(err))
}

func TestCodeExecutionRun(t *testing.T) {
	t.Parallel()

	const program = `{"language":"python","filename":"fib.py","code":"print(fib(10))","explanation":"Prints the tenth Fibonacci number. Run with python fib.py."}`
	models, client := newModels(t, reply{content: program})
	agent := NewCodeExecution(models)

	req := newTestRequest(t, "Write a Fibonacci program")
	result, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "```python")
	assert.Contains(t, result.Text, "print(fib(10))")
	assert.Equal(t, "Prints the tenth Fibonacci number. Run with python fib.py.", result.Summary)

	require.Len(t, result.Artifacts, 1)
	art := result.Artifacts[0]
	assert.Equal(t, "fib.py", art.Name)
	assert.Equal(t, core.ArtifactFile, art.Type)
	assert.Equal(t, "print(fib(10))", readArtifact(t, req, art))

	assert.NotNil(t, client.request(0).JSONSchema, "structured output requested")
}

func TestCodeExecutionMalformedOutput(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{content: "here is your program: print(1)"})
	agent := NewCodeExecution(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "Write a program"))
	require.Error(t, err)
	assert.Equal(t, core.KindPermanent, core.KindOf(err))
}

func TestCodeExecutionEmptyProgram(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{content: `{"language":"go","filename":"main.go","code":"  ","explanation":"nothing"}`})
	agent := NewCodeExecution(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "Write a program"))
	require.Error(t, err)
	assert.Equal(t, core.KindPermanent, core.KindOf(err))
}

func TestSpreadsheetRun(t *testing.T) {
	t.Parallel()

	const csvBody = "name,price\nwidget,10\ngadget,25"
	models, _ := newModels(t, reply{content: "```csv\n" + csvBody + "\n```"})
	agent := NewSpreadsheet(models)

	req := newTestRequest(t, "Tabulate product prices")
	result, err := agent.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, csvBody, result.Text)
	assert.Equal(t, "Generated data.csv with 2 rows and 2 columns", result.Summary)

	require.Len(t, result.Artifacts, 1)
	art := result.Artifacts[0]
	assert.Equal(t, "data.csv", art.Name)
	assert.Equal(t, "text/csv", art.MimeType)
	assert.Equal(t, csvBody, readArtifact(t, req, art))
}

func TestSpreadsheetRejectsProse(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{content: "Here is the data you asked for"})
	agent := NewSpreadsheet(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "Tabulate"))
	require.Error(t, err)
	assert.Equal(t, core.KindPermanent, core.KindOf(err))
	assert.Contains(t, err.Error(), "no data rows")
}

func TestSpreadsheetMalformedCSV(t *testing.T) {
	t.Parallel()

	models, _ := newModels(t, reply{content: "a,b\n\"unterminated"})
	agent := NewSpreadsheet(models)

	_, err := agent.Run(context.Background(), newTestRequest(t, "Tabulate"))
	require.Error(t, err)
	assert.Equal(t, core.KindPermanent, core.KindOf(err))
}
