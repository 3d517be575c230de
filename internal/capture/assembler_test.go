package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/mocks"
)

func sampleBundle() *schemas.Bundle {
	return &schemas.Bundle{
		Title: "Example Domain",
		History: []schemas.NavigationStep{
			{URL: "http://example.com/", Status: 301, Location: "https://example.com/"},
			{URL: "https://example.com/", Status: 200},
		},
		Screenshot: []byte("png"),
		DOM:        "<html></html>",
		Requests:   []schemas.NetworkEvent{{RequestID: "1", Direction: schemas.DirectionRequest, URL: "https://example.com/"}},
		Responses:  []schemas.NetworkEvent{{RequestID: "1", Direction: schemas.DirectionResponse, URL: "https://example.com/", Status: 200}},
		Scripts:    []schemas.ScriptSnippet{{ScriptID: "9", URL: "inline", Text: "1+1"}},
	}
}

func TestAssembleHonorsArtifactSwitches(t *testing.T) {
	hasher := new(mocks.MockHasher)
	hasher.On("Hash", []byte("png")).Return("d879f8f89b1bbf00", nil).Once()
	a := NewAssembler(hasher, nil, zaptest.NewLogger(t))

	task := schemas.CaptureTask{ID: "t1", URL: "http://example.com/", Options: schemas.CaptureOptions{
		Screenshots:    true,
		PerceptualHash: true,
		Format:         schemas.FormatPNG,
	}}
	res := a.Assemble(context.Background(), task, sampleBundle(), nil)

	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, 200, res.Status, "status is the last navigation step")
	assert.Equal(t, "https://example.com/", res.FinalURL())
	assert.Equal(t, "Example Domain", res.Title)
	assert.Equal(t, []byte("png"), res.Screenshot)
	assert.Nil(t, res.DOM, "DOM not requested")
	assert.Nil(t, res.Scripts, "scripts not requested")
	assert.Nil(t, res.OCRText)
	assert.Equal(t, "d879f8f89b1bbf00", res.PerceptualHash)
	assert.Len(t, res.Requests, 1)
	assert.Empty(t, res.Error)
	hasher.AssertExpectations(t)
}

func TestAssembleAllArtifacts(t *testing.T) {
	recognizer := new(mocks.MockRecognizer)
	recognizer.On("Recognize", mock.Anything, []byte("png")).Return("Example Domain", nil)
	a := NewAssembler(nil, recognizer, zaptest.NewLogger(t))

	task := schemas.CaptureTask{URL: "http://example.com/", Options: schemas.CaptureOptions{
		Screenshots: true, DOM: true, JavaScript: true, OCR: true, PerceptualHash: true,
	}}
	res := a.Assemble(context.Background(), task, sampleBundle(), nil)

	require.NotNil(t, res.DOM)
	assert.Equal(t, "<html></html>", *res.DOM)
	assert.Len(t, res.Scripts, 1)
	require.NotNil(t, res.OCRText)
	assert.Equal(t, "Example Domain", *res.OCRText)
	assert.Empty(t, res.PerceptualHash, "no hasher configured")
}

func TestAssembleSkipsAnalysisWithoutScreenshot(t *testing.T) {
	hasher := new(mocks.MockHasher)
	recognizer := new(mocks.MockRecognizer)
	a := NewAssembler(hasher, recognizer, zaptest.NewLogger(t))

	bundle := sampleBundle()
	bundle.Screenshot = nil
	task := schemas.CaptureTask{Options: schemas.CaptureOptions{Screenshots: true, OCR: true, PerceptualHash: true}}
	res := a.Assemble(context.Background(), task, bundle, nil)

	assert.Empty(t, res.PerceptualHash)
	assert.Nil(t, res.OCRText)
	hasher.AssertNotCalled(t, "Hash", mock.Anything)
	recognizer.AssertNotCalled(t, "Recognize", mock.Anything, mock.Anything)
}

func TestAssembleAccumulatesErrors(t *testing.T) {
	hasher := new(mocks.MockHasher)
	hasher.On("Hash", mock.Anything).Return("", errors.New("unsupported format"))
	recognizer := new(mocks.MockRecognizer)
	recognizer.On("Recognize", mock.Anything, mock.Anything).Return("", errors.New("tesseract crashed"))
	a := NewAssembler(hasher, recognizer, zaptest.NewLogger(t))

	task := schemas.CaptureTask{Options: schemas.CaptureOptions{Screenshots: true, OCR: true, PerceptualHash: true}}
	res := a.Assemble(context.Background(), task, sampleBundle(), errors.New("navigation timed out"))

	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "navigation timed out")
	assert.Contains(t, res.Error, "perceptual hash: unsupported format")
	assert.Contains(t, res.Error, "ocr: tesseract crashed")
	assert.Equal(t, []byte("png"), res.Screenshot, "partial data is kept")
}

func TestAssembleWithoutBundle(t *testing.T) {
	a := NewAssembler(nil, nil, zaptest.NewLogger(t))
	task := schemas.CaptureTask{ID: "x", URL: "http://down.test/"}
	res := a.Assemble(context.Background(), task, nil, errors.New("open session: boom"))

	assert.Equal(t, "http://down.test/", res.FinalURL())
	assert.Zero(t, res.Status)
	assert.NotNil(t, res.History)
	assert.Empty(t, res.History)
	assert.Equal(t, "open session: boom", res.Error)
}
