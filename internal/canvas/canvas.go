// Package canvas extracts assignment records from the Canvas LMS REST API.
// Every request is funneled through the cost-bucket limiter, and the
// authoritative quota headers of each response are fed back into it.
package canvas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/model"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/throttling"
)

// HeaderGetter is the minimal header access the quota reader needs, so the
// limiter feedback stays transport-agnostic.
type HeaderGetter interface {
	Get(name string) string
}

// Course is one active enrollment.
type Course struct {
	ID   string
	Name string
}

// Client talks to the Canvas REST API.
type Client struct {
	log        logger.Logger
	baseURL    string
	token      func() string
	httpClient *http.Client
	limiter    *throttling.CostBucket
	perPage    int
}

// New builds a Canvas client. token is called per request so credential
// rotation does not require a rebuild.
func New(conf *config.Config, log logger.Logger, limiter *throttling.CostBucket, token func() string) *Client {
	return &Client{
		log:     log.Child("canvas"),
		baseURL: strings.TrimSuffix(conf.GetString("Canvas.baseURL", "https://canvas.instructure.com"), "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: conf.GetDuration("Canvas.httpTimeout", 30, time.Second),
		},
		limiter: limiter,
		perPage: conf.GetInt("Canvas.perPage", 100),
	}
}

// FetchAll returns the assignments of every active course plus the active
// course IDs.
func (c *Client) FetchAll(ctx context.Context) ([]model.Assignment, []string, error) {
	courses, err := c.ActiveCourses(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing active courses: %w", err)
	}
	var all []model.Assignment
	courseIDs := make([]string, 0, len(courses))
	for _, course := range courses {
		courseIDs = append(courseIDs, course.ID)
		assignments, err := c.CourseAssignments(ctx, course)
		if err != nil {
			return nil, nil, fmt.Errorf("listing assignments of course %s: %w", course.ID, err)
		}
		all = append(all, assignments...)
	}
	c.log.Infon("extracted assignments from canvas",
		logger.NewIntField("courses", int64(len(courses))),
		logger.NewIntField("assignments", int64(len(all))),
	)
	return all, courseIDs, nil
}

// ActiveCourses lists the user's active enrollments.
func (c *Client) ActiveCourses(ctx context.Context) ([]Course, error) {
	var courses []Course
	url := fmt.Sprintf("%s/api/v1/courses?enrollment_state=active&per_page=%d", c.baseURL, c.perPage)
	err := c.paginate(ctx, url, func(body []byte) {
		gjson.ParseBytes(body).ForEach(func(_, course gjson.Result) bool {
			courses = append(courses, Course{
				ID:   course.Get("id").String(),
				Name: course.Get("name").String(),
			})
			return true
		})
	})
	return courses, err
}

// CourseAssignments lists the assignments of one course, submission included,
// mapped into the domain shape.
func (c *Client) CourseAssignments(ctx context.Context, course Course) ([]model.Assignment, error) {
	var assignments []model.Assignment
	url := fmt.Sprintf("%s/api/v1/courses/%s/assignments?include[]=submission&per_page=%d", c.baseURL, course.ID, c.perPage)
	err := c.paginate(ctx, url, func(body []byte) {
		gjson.ParseBytes(body).ForEach(func(_, a gjson.Result) bool {
			assignments = append(assignments, toAssignment(a, course))
			return true
		})
	})
	return assignments, err
}

// paginate fetches url and every rel="next" page after it, handing each body
// to collect.
func (c *Client) paginate(ctx context.Context, url string, collect func(body []byte)) error {
	for url != "" {
		var next string
		err := c.limiter.Do(ctx, func(ctx context.Context) (*throttling.Quota, error) {
			body, header, err := c.get(ctx, url)
			if err != nil {
				return nil, err
			}
			quota := QuotaFromHeader(header)
			collect(body)
			next = nextLink(header.Get("Link"))
			return quota, nil
		})
		if err != nil {
			return err
		}
		url = next
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("canvas request failed: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading canvas response: %w", err)
	}
	if err := apierror.ClassifyCanvas(resp.StatusCode, body, resp.Header); err != nil {
		return nil, resp.Header, err
	}
	return body, resp.Header, nil
}

// QuotaFromHeader reads the authoritative usage headers. It returns nil when
// the response carried none, leaving the limiter on its own estimate.
func QuotaFromHeader(h HeaderGetter) *throttling.Quota {
	remaining := h.Get("X-Rate-Limit-Remaining")
	if remaining == "" {
		return nil
	}
	q := &throttling.Quota{}
	var err error
	if q.Remaining, err = strconv.ParseFloat(remaining, 64); err != nil {
		return nil
	}
	if cost := h.Get("X-Request-Cost"); cost != "" {
		q.LastCost, _ = strconv.ParseFloat(cost, 64)
	}
	return q
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// nextLink extracts the rel="next" target from a Link header, or "".
func nextLink(link string) string {
	if m := nextLinkRe.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}

func toAssignment(a gjson.Result, course Course) model.Assignment {
	out := model.Assignment{
		ExternalID: a.Get("id").String(),
		Title:      a.Get("name").String(),
		CourseID:   course.ID,
		CourseName: course.Name,
		URL:        a.Get("html_url").String(),
		Status:     deriveStatus(a.Get("submission")),
	}
	if due := a.Get("due_at"); due.Exists() && due.String() != "" {
		if t, err := time.Parse(time.RFC3339, due.String()); err == nil {
			utc := t.UTC()
			out.DueAt = &utc
		}
	}
	if points := a.Get("points_possible"); points.Exists() && points.Type == gjson.Number {
		p := points.Float()
		out.PointsPossible = &p
	}
	if score := a.Get("submission.score"); score.Exists() && score.Type == gjson.Number {
		if out.PointsPossible != nil && *out.PointsPossible > 0 {
			pct := score.Float() / *out.PointsPossible * 100
			out.ScorePercent = &pct
		}
	}
	out.Description = a.Get("description").String()
	return out
}

// deriveStatus maps the submission workflow state onto the ordered status
// scale used by the regression guard.
func deriveStatus(submission gjson.Result) model.Status {
	switch submission.Get("workflow_state").String() {
	case "graded":
		return model.StatusGraded
	case "submitted", "pending_review":
		return model.StatusSubmitted
	default:
		if submission.Get("attempt").Int() > 0 {
			return model.StatusInProgress
		}
		return model.StatusNotStarted
	}
}
