package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	subscriberdomain "github.com/safetyline/recallhub/internal/subscriber/domain"
)

type setVehicleSlotRequest struct {
	EntitlementID string `json:"entitlement_id"`
	Make          string `json:"make"`
	Model         string `json:"model"`
	Year          int    `json:"year"`
}

func (s *Server) CreateSubscriber(c *gin.Context) {
	var req subscriberdomain.CreateSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriberSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) GetSubscriber(c *gin.Context) {
	sub, err := s.subscriberSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) DeleteSubscriber(c *gin.Context) {
	if err := s.subscriberSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ListEntitlements(c *gin.Context) {
	ents, err := s.subscriberSvc.ListEntitlements(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entitlements": ents})
}

func (s *Server) Subscribe(c *gin.Context) {
	var req subscriberdomain.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriberID = c.Param("id")

	ent, err := s.subscriberSvc.Subscribe(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ent)
}

func (s *Server) SetVehicleSlot(c *gin.Context) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var req setVehicleSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	updated, err := s.subscriberSvc.SetVehicleSlot(c.Request.Context(), subscriberdomain.SetVehicleSlotRequest{
		SubscriberID:  c.Param("id"),
		EntitlementID: req.EntitlementID,
		SlotIndex:     slot,
		Make:          req.Make,
		Model:         req.Model,
		Year:          req.Year,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
