package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core/portal"
)

type portalApi struct {
	svc      *portal.Service
	validate *validator.Validate
}

func registerPortalAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *portal.Service, validate *validator.Validate) {
	api := portalApi{
		svc:      svc,
		validate: validate,
	}

	ag := g.Group("", jwt)

	ag.PUT("/profiles/me", api.saveProfile)
	ag.GET("/profiles/:id", api.retrieveProfile)

	ag.POST("/channels", api.createChannel)
	cg := ag.Group("/channels/:id")
	cg.GET("", api.retrieveChannel)
	cg.GET("/messages", api.queryMessages)
	cg.POST("/messages", api.postMessage)
	cg.GET("/members", api.queryMembers)
	cg.POST("/members", api.join)
	cg.DELETE("/members", api.leave)

	mg := ag.Group("/messages/:id")
	mg.PUT("", api.editMessage)
	mg.DELETE("", api.deleteMessage)
}

// Profiles

func (api *portalApi) retrieveProfile(ctx echo.Context) error {
	p, err := api.svc.Profile(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting profile")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *portalApi) saveProfile(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data SaveProfileRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SaveProfileRequest")
	}

	rctx := ctx.Request().Context()
	p, err := api.svc.Profile(rctx, sess.UserID)
	if err != nil && !portal.IsNotFound(err) {
		return errors.Wrap(err, "getting profile")
	}
	p.ID = sess.UserID
	p.Name = data.Name
	p.Email = data.Email
	p.AvatarURL = data.AvatarURL
	if data.Role != "" {
		p.Role = data.Role
	} else if p.Role == "" {
		p.Role = sess.Role
	}

	if p, err = api.svc.SaveProfile(rctx, p); err != nil {
		return errors.Wrap(err, "saving profile")
	}
	return ctx.JSON(http.StatusOK, p)
}

// Channels

func (api *portalApi) retrieveChannel(ctx echo.Context) error {
	ch, err := api.svc.GetChannel(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting channel")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *portalApi) createChannel(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data portal.NewChannel
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewChannel")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	ch, err := api.svc.CreateChannel(ctx.Request().Context(), sess, data)
	if err != nil {
		return errors.Wrap(err, "creating channel")
	}
	return ctx.JSON(http.StatusCreated, ch)
}

// Messages

func (api *portalApi) queryMessages(ctx echo.Context) error {
	msgs, err := api.svc.Messages(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "listing messages")
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *portalApi) postMessage(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data portal.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	msg, err := api.svc.PostMessage(ctx.Request().Context(), sess, ctx.Param("id"), data.Content)
	if err != nil {
		return errors.Wrap(err, "posting message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

func (api *portalApi) editMessage(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data portal.EditMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EditMessage")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	msg, err := api.svc.EditMessage(ctx.Request().Context(), sess, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "editing message")
	}
	return ctx.JSON(http.StatusOK, msg)
}

func (api *portalApi) deleteMessage(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteMessage(ctx.Request().Context(), sess, ctx.Param("id")); err != nil {
		return errors.Wrap(err, "deleting message")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// Members

func (api *portalApi) queryMembers(ctx echo.Context) error {
	members, err := api.svc.Members(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "listing members")
	}
	return ctx.JSON(http.StatusOK, members)
}

func (api *portalApi) join(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	m, err := api.svc.Join(ctx.Request().Context(), sess, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "joining channel")
	}
	return ctx.JSON(http.StatusCreated, m)
}

func (api *portalApi) leave(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Leave(ctx.Request().Context(), sess, ctx.Param("id")); err != nil {
		return errors.Wrap(err, "leaving channel")
	}
	return ctx.NoContent(http.StatusNoContent)
}

type SaveProfileRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar_url"`
}
