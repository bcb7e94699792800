package imagegen_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/killallgit/promptcanvas/pkg/imagegen"
)

func TestImagegen(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Imagegen Suite")
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

var _ = Describe("Client", func() {
	var (
		server   *httptest.Server
		handler  http.HandlerFunc
		received map[string]any
		auth     string
		cfg      imagegen.Config
	)

	BeforeEach(func() {
		received = nil
		auth = ""
		handler = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/v1/images/generations"))
			auth = r.Header.Get("Authorization")
			Expect(json.NewDecoder(r.Body).Decode(&received)).To(Succeed())
			handler(w, r)
		}))
		cfg = imagegen.Config{URL: server.URL + "/v1/", APIKey: "secret", Model: "sdxl"}
	})

	AfterEach(func() {
		server.Close()
	})

	It("returns the URL the endpoint answers with", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":[{"url":"https://img.example/a-cat.png"}]}`))
		}
		client, err := imagegen.NewClient(cfg)
		Expect(err).NotTo(HaveOccurred())

		ref, err := client.Generate(context.Background(), "a cat")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal("https://img.example/a-cat.png"))
		Expect(auth).To(Equal("Bearer secret"))
		Expect(received).To(HaveKeyWithValue("prompt", "a cat"))
		Expect(received).To(HaveKeyWithValue("model", "sdxl"))
		Expect(received).To(HaveKeyWithValue("size", "1024x1024"))
		Expect(received).NotTo(HaveKey("response_format"))
	})

	It("writes inline payloads to the output directory", func() {
		cfg.OutputDir = GinkgoT().TempDir()
		handler = func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(pngBytes)}},
			})
		}
		client, err := imagegen.NewClient(cfg)
		Expect(err).NotTo(HaveOccurred())

		ref, err := client.Generate(context.Background(), "a dog")
		Expect(err).NotTo(HaveOccurred())
		Expect(received).To(HaveKeyWithValue("response_format", "b64_json"))
		Expect(ref).To(HavePrefix(cfg.OutputDir))
		Expect(strings.HasSuffix(ref, ".png")).To(BeTrue())

		data, err := os.ReadFile(ref)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(pngBytes))
	})

	DescribeTable("failures",
		func(status int, body string, match OmegaMatcher) {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				w.Write([]byte(body))
			}
			client, err := imagegen.NewClient(cfg)
			Expect(err).NotTo(HaveOccurred())

			ref, err := client.Generate(context.Background(), "a cat")
			Expect(ref).To(BeEmpty())
			Expect(err).To(match)
		},
		Entry("no images", http.StatusOK, `{"data":[]}`, MatchError(imagegen.ErrEmptyResult)),
		Entry("empty image", http.StatusOK, `{"data":[{}]}`, MatchError(imagegen.ErrEmptyResult)),
		Entry("api error", http.StatusBadRequest, `{"error":{"message":"prompt rejected"}}`, MatchError(ContainSubstring("prompt rejected"))),
		Entry("bad gateway", http.StatusBadGateway, `<html>`, MatchError(ContainSubstring("status: 502"))),
		Entry("inline without output dir", http.StatusOK, `{"data":[{"b64_json":"aGk="}]}`, MatchError(ContainSubstring("no output directory"))),
	)

	It("honours context cancellation", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}
		client, err := imagegen.NewClient(cfg)
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = client.Generate(ctx, "a cat")
		Expect(err).To(MatchError(context.Canceled))
	})

	It("requires a URL", func() {
		_, err := imagegen.NewClient(imagegen.Config{})
		Expect(err).To(HaveOccurred())
	})
})
