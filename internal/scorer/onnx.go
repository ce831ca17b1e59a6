package scorer

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeORT loads the onnxruntime shared library once per process.
func InitializeORT(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = "/usr/lib/libonnxruntime.so"
			if runtime.GOOS == "windows" {
				libPath = "onnxruntime.dll"
			} else if runtime.GOOS == "darwin" {
				libPath = "libonnxruntime.dylib"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNX scores feature windows with a classifier exported to ONNX. The model
// takes a (1, window, FeaturesPerBar) float32 input named "input" and
// produces a (1, 3) "output" of [sell, none, buy] probabilities.
// A single session is shared, so calls are serialized.
type ONNX struct {
	mu      sync.Mutex
	window  int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNX loads the model at path for the given window length.
func NewONNX(path, libPath string, window int) (*ONNX, error) {
	if err := InitializeORT(libPath); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(window), FeaturesPerBar), make([]float32, window*FeaturesPerBar))
	if err != nil {
		return nil, fmt.Errorf("creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("creating output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(path,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("creating session for %s: %w", path, err)
	}

	return &ONNX{window: window, session: session, input: input, output: output}, nil
}

// Window returns the number of bars the model expects.
func (m *ONNX) Window() int {
	return m.window
}

// Score implements Scorer.
func (m *ONNX) Score(_ string, features []float32) (Score, error) {
	if len(features) != m.window*FeaturesPerBar {
		return Score{}, fmt.Errorf("%w: got %d features, want %d", ErrUnavailable, len(features), m.window*FeaturesPerBar)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Score{}, ErrUnavailable
	}

	copy(m.input.GetData(), features)
	if err := m.session.Run(); err != nil {
		return Score{}, fmt.Errorf("inference failed: %w", err)
	}
	out := m.output.GetData()
	probs := make([]float32, len(out))
	copy(probs, out)
	return classify(probs), nil
}

// Close releases the session and its tensors.
func (m *ONNX) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
}
