package testutil

import (
	"io"
	"io/ioutil"
	"math/rand"
	"net/http"
	"sync"
)

type mockHttpPoster struct {
	mu               sync.Mutex
	sentPostRequests int
	sentBodies       [][]byte
	sentSignatures   []string
	failures         int
}

func GetMockHttpPoster() *mockHttpPoster {
	return &mockHttpPoster{}
}

// GetFailingMockHttpPoster returns a poster where the first `failures` posts
// answer 500 before it starts answering 200.
func GetFailingMockHttpPoster(failures int) *mockHttpPoster {
	return &mockHttpPoster{failures: failures}
}

func (m *mockHttpPoster) Post(url, signature string, reader io.Reader) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sentPostRequests += 1

	body, err := ioutil.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	m.sentBodies = append(m.sentBodies, body)
	m.sentSignatures = append(m.sentSignatures, signature)

	if m.sentPostRequests <= m.failures {
		return &http.Response{
			StatusCode: 500,
			Body:       http.NoBody,
		}, nil
	}

	return &http.Response{
		StatusCode: 200,
		Body:       http.NoBody,
	}, nil
}

func (m *mockHttpPoster) GetSentPostRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentPostRequests
}

func (m *mockHttpPoster) GetSentPostRequest(index int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentBodies[index]
}

func (m *mockHttpPoster) GetSentSignature(index int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentSignatures[index]
}

// MockStringOfLength produces a random lowercase string of the given length
func MockStringOfLength(length int) string {
	var letters = []rune("abcdefghijklmnopqrstuvwxyz")

	b := make([]rune, length)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// MockBolt11 produces a string shaped like a Lightning invoice. It does not
// decode, it is only good for passing through storage and APIs in tests.
func MockBolt11() string {
	var letters = []rune("qpzry9x8gf2tvdw0s3jn54khce6mua7l")

	b := make([]rune, 180)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return "lnbc10u1" + string(b)
}
