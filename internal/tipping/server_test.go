package tipping

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/smarttip/internal/scanning"
)

func uploadBody(filename string, data []byte) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return &b, writer.FormDataContentType()
}

func decodeState(resp *http.Response) State {
	defer resp.Body.Close()
	var state State
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, &state)).To(Succeed())
	return state
}

func decodeError(resp *http.Response) string {
	defer resp.Body.Close()
	var payload map[string]string
	Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
	return payload["error"]
}

func postJSON(url string, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	return resp
}

var _ = Describe("Server", func() {
	var (
		scanLog     *mockScanLog
		scanner     *mockScanner
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	}

	sessionURL := func(path string) string {
		return ghttpServer.URL() + "/api/sessions/session-1" + path
	}

	BeforeEach(func() {
		scanLog = newMockScanLog()
		scanner = newMockScanner()
		idGen := &mockIDGenerator{ids: []string{"session-1", "scan-1"}}
		timeSrc := &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(scanLog, scanner, Config{}, idGen, timeSrc)
		auth = BasicAuth{}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		When("request method is GET", func() {
			It("should return HTML containing SmartTip", func() {
				resp, err := http.Get(ghttpServer.URL() + "/")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("SmartTip"))
				Expect(string(body)).To(ContainSubstring("Bill / Person"))
			})
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				req, err := http.NewRequest("POST", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
				resp.Body.Close()
			})
		})
	})

	Describe("static assets", func() {
		It("should serve the script with a JavaScript content type", func() {
			resp, err := http.Get(ghttpServer.URL() + "/static/app.js")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/javascript"))
		})

		It("should serve the stylesheet", func() {
			resp, err := http.Get(ghttpServer.URL() + "/static/app.css")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
		})
	})

	Describe("handleHealth", func() {
		It("should report ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("handleCalculate", func() {
		When("the bill is valid", func() {
			It("should return the breakdown", func() {
				resp := postJSON(ghttpServer.URL()+"/api/calculate",
					`{"amount":100,"tip_percentage":20,"people_count":4,"currency":"$"}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var calc Calculation
				Expect(json.NewDecoder(resp.Body).Decode(&calc)).To(Succeed())
				Expect(calc.Result.TotalPerPerson).To(BeNumerically("~", 30, 1e-9))
				Expect(calc.Display.TotalAmount).To(Equal("$120.00"))
			})

			It("should apply defaults for omitted fields", func() {
				resp := postJSON(ghttpServer.URL()+"/api/calculate", `{"amount":10}`)
				defer resp.Body.Close()
				var calc Calculation
				Expect(json.NewDecoder(resp.Body).Decode(&calc)).To(Succeed())
				Expect(calc.Bill.TipPercentage).To(Equal(15.0))
				Expect(calc.Bill.PeopleCount).To(Equal(1))
				Expect(calc.Display.TotalAmount).To(Equal("$11.50"))
			})
		})

		When("the body is not JSON", func() {
			It("should return status Bad Request", func() {
				resp := postJSON(ghttpServer.URL()+"/api/calculate", `not json`)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(Equal("Invalid request body"))
			})
		})
	})

	Describe("handleCreateSession", func() {
		It("should return status Created with a fresh session", func() {
			resp := postJSON(ghttpServer.URL()+"/api/sessions", "")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			state := decodeState(resp)
			Expect(state.ID).To(Equal("session-1"))
			Expect(state.Mode).To(Equal(ModeCalculator))
			Expect(state.Display.TotalPerPerson).To(Equal("$0.00"))
		})
	})

	Describe("session endpoints", func() {
		BeforeEach(func() {
			service.CreateSession()
		})

		It("should return the session", func() {
			resp, err := http.Get(sessionURL(""))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decodeState(resp).ID).To(Equal("session-1"))
		})

		It("should set the amount from the raw field", func() {
			resp := postJSON(sessionURL("/amount"), `{"amount":"12.00"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			state := decodeState(resp)
			Expect(state.Bill.Amount).To(Equal(12.0))
			Expect(state.Display.TipAmount).To(Equal("$1.80"))
		})

		It("should treat an unparsable amount as zero", func() {
			_, _ = service.SetAmount("session-1", "40")
			resp := postJSON(sessionURL("/amount"), `{"amount":"abc"}`)
			Expect(decodeState(resp).Bill.Amount).To(BeZero())
		})

		It("should set the tip", func() {
			resp := postJSON(sessionURL("/tip"), `{"tip_percentage":25}`)
			Expect(decodeState(resp).Bill.TipPercentage).To(Equal(25.0))
		})

		It("should require a tip percentage", func() {
			resp := postJSON(sessionURL("/tip"), `{}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp)).To(Equal("tip_percentage is required"))
		})

		It("should adjust people without going below one", func() {
			resp := postJSON(sessionURL("/people"), `{"delta":-1}`)
			Expect(decodeState(resp).Bill.PeopleCount).To(Equal(1))
		})

		It("should set the currency", func() {
			resp := postJSON(sessionURL("/currency"), `{"currency":" € "}`)
			Expect(decodeState(resp).Bill.Currency).To(Equal("€"))
		})

		It("should switch to the scanner", func() {
			resp := postJSON(sessionURL("/scan/start"), "")
			Expect(decodeState(resp).Mode).To(Equal(ModeScanning))
		})

		It("should return to the calculator on cancel", func() {
			_, _ = service.StartScan("session-1")
			resp := postJSON(sessionURL("/scan/cancel"), "")
			Expect(decodeState(resp).Mode).To(Equal(ModeCalculator))
		})

		When("the session does not exist", func() {
			It("should return status Not Found", func() {
				resp := postJSON(ghttpServer.URL()+"/api/sessions/missing/amount", `{"amount":"1"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decodeError(resp)).To(Equal("Session not found"))
			})
		})
	})

	Describe("handleScanReceipt", func() {
		BeforeEach(func() {
			service.CreateSession()
		})

		When("the receipt has a total", func() {
			It("should apply it to the bill", func() {
				body, contentType := uploadBody("receipt.jpg", []byte("fake image data"))
				resp, err := http.Post(sessionURL("/scan"), contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				state := decodeState(resp)
				Expect(state.Bill.Amount).To(Equal(54.32))
				Expect(state.Bill.Currency).To(Equal("€"))
				Expect(state.Mode).To(Equal(ModeCalculator))
				Expect(scanner.contentType).To(Equal("image/jpeg"))
			})
		})

		When("the scan fails", func() {
			BeforeEach(func() {
				scanner.scanErr = scanning.ErrConfiguration
			})

			It("should return the state carrying the message", func() {
				body, contentType := uploadBody("receipt.png", []byte("fake image data"))
				resp, err := http.Post(sessionURL("/scan"), contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))

				state := decodeState(resp)
				Expect(state.Error).To(Equal(MessageUnavailable))
				Expect(state.Mode).To(Equal(ModeScanning))
			})
		})

		When("a scan is already in flight", func() {
			BeforeEach(func() {
				sess, err := service.session("session-1")
				Expect(err).NotTo(HaveOccurred())
				_, _, err = sess.BeginScan(context.Background())
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return status Conflict", func() {
				body, contentType := uploadBody("receipt.jpg", []byte("fake image data"))
				resp, err := http.Post(sessionURL("/scan"), contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(decodeError(resp)).To(Equal("A scan is already in progress"))
				Expect(scanner.Calls()).To(BeZero())
			})
		})

		When("the file is exactly the maximum size", func() {
			It("should accept it", func() {
				body, contentType := uploadBody("receipt.jpg", make([]byte, maxUploadSize))
				resp, err := http.Post(sessionURL("/scan"), contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(decodeState(resp).Bill.Amount).To(Equal(54.32))
			})
		})

		When("the file is one byte over the maximum size", func() {
			It("should reject it before scanning", func() {
				body, contentType := uploadBody("receipt.jpg", make([]byte, maxUploadSize+1))
				resp, err := http.Post(sessionURL("/scan"), contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp)).To(Equal(fileTooLargeMessage))
				Expect(scanner.Calls()).To(BeZero())
			})
		})

		When("no file is sent", func() {
			It("should return status Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				Expect(writer.WriteField("note", "nothing")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp, err := http.Post(sessionURL("/scan"), writer.FormDataContentType(), &b)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the form is invalid", func() {
			It("should return status Bad Request", func() {
				resp, err := http.Post(sessionURL("/scan"), "multipart/form-data", bytes.NewBufferString("invalid"))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			})
		})

		When("the session does not exist", func() {
			It("should return status Not Found", func() {
				body, contentType := uploadBody("receipt.jpg", []byte("fake image data"))
				resp, err := http.Post(ghttpServer.URL()+"/api/sessions/missing/scan", contentType, body)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				resp.Body.Close()
			})
		})
	})

	Describe("handleListScans", func() {
		When("scans were recorded", func() {
			BeforeEach(func() {
				scanLog.records["scan-1"] = &ScanRecord{ID: "scan-1", Outcome: OutcomeSuccess}
			})

			It("should return them", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				var records []*ScanRecord
				Expect(json.NewDecoder(resp.Body).Decode(&records)).To(Succeed())
				Expect(records).To(HaveLen(1))
				Expect(records[0].Outcome).To(Equal(OutcomeSuccess))
			})
		})

		When("nothing was recorded", func() {
			It("should return an empty array", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})
	})

	Describe("contentTypeFor", func() {
		DescribeTable("picking the upload type",
			func(header, filename, expected string) {
				Expect(contentTypeFor(header, filename)).To(Equal(expected))
			},
			Entry("an explicit header", "image/png", "photo.jpg", "image/png"),
			Entry("octet-stream with a jpg name", "application/octet-stream", "photo.JPG", "image/jpeg"),
			Entry("a heic photo", "", "IMG_0001.HEIC", "image/heic"),
			Entry("a pdf", "", "receipt.pdf", "application/pdf"),
			Entry("an unknown extension", "", "receipt.bin", ""),
		)
	})

	Describe("authenticate", func() {
		When("no auth is configured", func() {
			It("should return true", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeTrue())
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "user", Password: "pass"}
				server = NewServerWithMux(service, auth, http.NewServeMux())
				setupServer()
			})

			It("should accept valid credentials", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				credentials := base64.StdEncoding.EncodeToString([]byte("user:pass"))
				req.Header.Set("Authorization", "Basic "+credentials)
				Expect(server.authenticate(req)).To(BeTrue())
			})

			It("should reject invalid credentials", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				credentials := base64.StdEncoding.EncodeToString([]byte("user:wrong"))
				req.Header.Set("Authorization", "Basic "+credentials)
				Expect(server.authenticate(req)).To(BeFalse())
			})

			It("should reject a missing header", func() {
				req, err := http.NewRequest("GET", ghttpServer.URL()+"/", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(server.authenticate(req)).To(BeFalse())
			})

			It("should challenge unauthenticated API calls", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/scans")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("SmartTip"))
			})

			It("should leave the health check open", func() {
				resp, err := http.Get(ghttpServer.URL() + "/healthz")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("Handler", func() {
		It("should answer preflight requests with CORS headers", func() {
			ghttpServer.Close()
			ghttpServer = ghttp.NewServer()
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)

			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/sessions", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})
})
