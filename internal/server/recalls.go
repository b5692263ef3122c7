package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	recalldomain "github.com/safetyline/recallhub/internal/recall/domain"
	"github.com/safetyline/recallhub/internal/targeting"
)

type resolveTargetsRequest struct {
	Recall          recalldomain.Recall `json:"recall"`
	IncludeElevated bool                `json:"include_elevated"`
	AlertsOnly      bool                `json:"alerts_only"`
	Channel         string              `json:"channel"`
}

type resolveTargetsResponse struct {
	RecallID string            `json:"recall_id"`
	Matches  []targeting.Match `json:"matches"`
	Total    int               `json:"total"`
}

// ResolveRecallTargets runs a full targeting scan for one recall document and
// returns the matched subscribers with their delivery reason.
func (s *Server) ResolveRecallTargets(c *gin.Context) {
	var req resolveTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Recall.ID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	opts := targeting.Options{
		IncludeElevated: req.IncludeElevated,
		AlertsOnly:      req.AlertsOnly,
		Channel:         targeting.Channel(req.Channel),
	}
	if opts.Channel == "" {
		opts.Channel = targeting.ChannelEmail
	}

	var (
		matches []targeting.Match
		err     error
	)
	if req.Recall.IsVehicleCampaign() {
		matches, err = s.targeting.FindVehicleInterested(c.Request.Context(), req.Recall, opts)
	} else {
		matches, err = s.targeting.FindInterested(c.Request.Context(), req.Recall, opts)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resolveTargetsResponse{
		RecallID: req.Recall.ID,
		Matches:  matches,
		Total:    len(matches),
	})
}
