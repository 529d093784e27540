package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
)

// ErrRemoteNotFound marks entities deleted or never present on the remote
var ErrRemoteNotFound = errors.New("remote entity not found")

// Timeouts apply per call, a sync operation is bounded by its retry budget
const requestTimeout = 30 * time.Second

// Client talks to the remote tracker API. Every call waits on the rate
// limiter first and reconciles it against the quota headers afterwards.
type Client struct {
	gh      *github.Client
	limiter *ratelimit.Limiter
}

// NewClient builds an authenticated tracker client. baseURL is optional and
// selects a self-hosted API endpoint.
func NewClient(token, baseURL string, limiter *ratelimit.Limiter) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("tracker token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = requestTimeout

	gh := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid tracker base URL: %w", err)
		}
	}

	return &Client{gh: gh, limiter: limiter}, nil
}

// splitRepo parses an owner/name repository identifier
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/name", repo)
	}
	return parts[0], parts[1], nil
}

// reconcile clamps the limiter to the quota the remote reported
func (c *Client) reconcile(class string, resp *github.Response) {
	if c.limiter == nil || resp == nil {
		return
	}
	if resp.Rate.Limit > 0 {
		c.limiter.Reconcile(class, resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
}

// wait blocks on the limiter before a remote call
func (c *Client) wait(ctx context.Context, class string) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, class, 1)
}

// ListPage fetches one page of entities of the given kind, changed since the
// watermark where the remote supports it. It returns the converted records and
// the next page number (0 when this was the last page).
func (c *Client) ListPage(ctx context.Context, repo, kind string, since time.Time, page, perPage int) ([]Record, int, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, 0, err
	}
	if err := c.wait(ctx, ratelimit.ClassRead); err != nil {
		return nil, 0, err
	}

	switch kind {
	case models.KindIssue:
		return c.listIssues(ctx, owner, name, since, page, perPage)
	case models.KindMilestone:
		return c.listMilestones(ctx, owner, name, page, perPage)
	case models.KindProject:
		return c.listProjects(ctx, owner, name, page, perPage)
	}
	return nil, 0, fmt.Errorf("unknown entity kind %q", kind)
}

func (c *Client) listIssues(ctx context.Context, owner, name string, since time.Time, page, perPage int) ([]Record, int, error) {
	opts := &github.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
	c.reconcile(ratelimit.ClassRead, resp)
	if err != nil {
		return nil, 0, c.classify(err)
	}

	records := make([]Record, 0, len(issues))
	for _, issue := range issues {
		// Pull requests come back through the issues API too
		if issue.IsPullRequest() {
			continue
		}
		records = append(records, ConvertIssue(issue))
	}
	return records, resp.NextPage, nil
}

func (c *Client) listMilestones(ctx context.Context, owner, name string, page, perPage int) ([]Record, int, error) {
	opts := &github.MilestoneListOptions{
		State: "all",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}

	milestones, resp, err := c.gh.Issues.ListMilestones(ctx, owner, name, opts)
	c.reconcile(ratelimit.ClassRead, resp)
	if err != nil {
		return nil, 0, c.classify(err)
	}

	records := make([]Record, 0, len(milestones))
	for _, m := range milestones {
		records = append(records, ConvertMilestone(m))
	}
	return records, resp.NextPage, nil
}

func (c *Client) listProjects(ctx context.Context, owner, name string, page, perPage int) ([]Record, int, error) {
	opts := &github.ProjectListOptions{
		State: "all",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}

	projects, resp, err := c.gh.Repositories.ListProjects(ctx, owner, name, opts)
	c.reconcile(ratelimit.ClassRead, resp)
	if err != nil {
		return nil, 0, c.classify(err)
	}

	records := make([]Record, 0, len(projects))
	for _, p := range projects {
		records = append(records, ConvertProject(p))
	}
	return records, resp.NextPage, nil
}

// Fetch retrieves the current remote state of one entity
func (c *Client) Fetch(ctx context.Context, repo, kind string, number int) (*Record, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, ratelimit.ClassRead); err != nil {
		return nil, err
	}

	switch kind {
	case models.KindIssue:
		issue, resp, err := c.gh.Issues.Get(ctx, owner, name, number)
		c.reconcile(ratelimit.ClassRead, resp)
		if err != nil {
			return nil, c.classify(err)
		}
		rec := ConvertIssue(issue)
		return &rec, nil

	case models.KindMilestone:
		m, resp, err := c.gh.Issues.GetMilestone(ctx, owner, name, number)
		c.reconcile(ratelimit.ClassRead, resp)
		if err != nil {
			return nil, c.classify(err)
		}
		rec := ConvertMilestone(m)
		return &rec, nil

	case models.KindProject:
		project, err := c.findProjectByNumber(ctx, owner, name, number)
		if err != nil {
			return nil, err
		}
		rec := ConvertProject(project)
		return &rec, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

// Push writes the given fields to the remote. number 0 creates a new entity;
// otherwise the existing one is edited. The remote's resulting state comes
// back as a Record.
func (c *Client) Push(ctx context.Context, repo, kind string, number int, fields models.JSONB) (*Record, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, ratelimit.ClassMutation); err != nil {
		return nil, err
	}

	switch kind {
	case models.KindIssue:
		return c.pushIssue(ctx, owner, name, number, fields)
	case models.KindMilestone:
		return c.pushMilestone(ctx, owner, name, number, fields)
	case models.KindProject:
		return c.pushProject(ctx, owner, name, number, fields)
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func (c *Client) pushIssue(ctx context.Context, owner, name string, number int, fields models.JSONB) (*Record, error) {
	req := &github.IssueRequest{}
	if v, ok := fields[models.FieldTitle].(string); ok {
		req.Title = github.String(v)
	}
	if v, ok := fields[models.FieldBody].(string); ok {
		req.Body = github.String(v)
	}
	if v, ok := fields[models.FieldState].(string); ok {
		req.State = github.String(v)
	}
	if v, ok := fields[models.FieldAssignees]; ok {
		assignees := fieldStrings(v)
		req.Assignees = &assignees
	}
	if v, ok := fields[models.FieldLabels]; ok {
		labels := fieldStrings(v)
		req.Labels = &labels
	}

	var issue *github.Issue
	var resp *github.Response
	var err error
	if number == 0 {
		issue, resp, err = c.gh.Issues.Create(ctx, owner, name, req)
	} else {
		issue, resp, err = c.gh.Issues.Edit(ctx, owner, name, number, req)
	}
	c.reconcile(ratelimit.ClassMutation, resp)
	if err != nil {
		return nil, c.classify(err)
	}
	rec := ConvertIssue(issue)
	return &rec, nil
}

func (c *Client) pushMilestone(ctx context.Context, owner, name string, number int, fields models.JSONB) (*Record, error) {
	m := &github.Milestone{}
	if v, ok := fields[models.FieldTitle].(string); ok {
		m.Title = github.String(v)
	}
	if v, ok := fields[models.FieldBody].(string); ok {
		m.Description = github.String(v)
	}
	if v, ok := fields[models.FieldState].(string); ok {
		m.State = github.String(v)
	}
	if v, ok := fields[models.FieldDueOn].(string); ok && v != "" {
		if due, parseErr := time.Parse(time.RFC3339, v); parseErr == nil {
			m.DueOn = &github.Timestamp{Time: due}
		}
	}

	var result *github.Milestone
	var resp *github.Response
	var err error
	if number == 0 {
		result, resp, err = c.gh.Issues.CreateMilestone(ctx, owner, name, m)
	} else {
		result, resp, err = c.gh.Issues.EditMilestone(ctx, owner, name, number, m)
	}
	c.reconcile(ratelimit.ClassMutation, resp)
	if err != nil {
		return nil, c.classify(err)
	}
	rec := ConvertMilestone(result)
	return &rec, nil
}

func (c *Client) pushProject(ctx context.Context, owner, name string, number int, fields models.JSONB) (*Record, error) {
	opts := &github.ProjectOptions{}
	if v, ok := fields[models.FieldTitle].(string); ok {
		opts.Name = github.String(v)
	}
	if v, ok := fields[models.FieldBody].(string); ok {
		opts.Body = github.String(v)
	}
	if v, ok := fields[models.FieldState].(string); ok {
		opts.State = github.String(v)
	}

	var result *github.Project
	var resp *github.Response
	var err error
	if number == 0 {
		result, resp, err = c.gh.Repositories.CreateProject(ctx, owner, name, opts)
	} else {
		// The classic projects API addresses projects by global id
		project, findErr := c.findProjectByNumber(ctx, owner, name, number)
		if findErr != nil {
			return nil, findErr
		}
		result, resp, err = c.gh.Projects.UpdateProject(ctx, project.GetID(), opts)
	}
	c.reconcile(ratelimit.ClassMutation, resp)
	if err != nil {
		return nil, c.classify(err)
	}
	rec := ConvertProject(result)
	return &rec, nil
}

// findProjectByNumber scans the repository's projects for the given number
func (c *Client) findProjectByNumber(ctx context.Context, owner, name string, number int) (*github.Project, error) {
	opts := &github.ProjectListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		projects, resp, err := c.gh.Repositories.ListProjects(ctx, owner, name, opts)
		c.reconcile(ratelimit.ClassRead, resp)
		if err != nil {
			return nil, c.classify(err)
		}
		for _, p := range projects {
			if p.GetNumber() == number {
				return p, nil
			}
		}
		if resp.NextPage == 0 {
			return nil, fmt.Errorf("%w: project %d in %s/%s", ErrRemoteNotFound, number, owner, name)
		}
		opts.Page = resp.NextPage
	}
}

// classify maps go-github errors onto the local taxonomy and keeps the
// limiter honest when the remote rejects us for quota reasons.
func (c *Client) classify(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		if c.limiter != nil {
			c.limiter.Reconcile(ratelimit.ClassRead, rateErr.Rate.Remaining, rateErr.Rate.Reset.Time)
			c.limiter.Reconcile(ratelimit.ClassMutation, rateErr.Rate.Remaining, rateErr.Rate.Reset.Time)
		}
		log.Printf("⏳ Remote quota exhausted, resets at %s", rateErr.Rate.Reset.Time.Format(time.RFC3339))
		return fmt.Errorf("remote rate limited: %w", err)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("remote throttled (abuse detection): %w", err)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %v", ErrRemoteNotFound, err)
		}
	}
	return err
}

// IsAuthError reports whether err is a credential problem. Auth failures are
// terminal: retrying them only burns quota.
func IsAuthError(err error) bool {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}

// IsRateLimit reports whether err is a remote quota rejection
func IsRateLimit(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	return errors.As(err, &abuseErr)
}

// IsTransient reports whether err is worth retrying: network trouble, 5xx
// responses and quota rejections. Auth and not-found errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) || errors.Is(err, ErrRemoteNotFound) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode >= 500
	}
	// Anything else (transport failures, timeouts) is assumed transient
	return true
}

// fieldStrings normalizes a list field value from either code ([]string) or
// a jsonb round trip ([]interface{})
func fieldStrings(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case models.StringList:
		return []string(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}
