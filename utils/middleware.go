package utils

import (
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

// CurrentUser returns the verified claims for the request, or nil when the
// route was reached without a token.
func CurrentUser(ctx iris.Context) *AccessToken {
	tok := jwt.Get(ctx)
	if tok == nil {
		return nil
	}
	claims, ok := tok.(*AccessToken)
	if !ok {
		return nil
	}
	return claims
}

// RequireVerification gates routes that demand a verified principal.
// The verified flag comes from the identity boundary inside the token.
func RequireVerification(ctx iris.Context) {
	claims := CurrentUser(ctx)
	if claims == nil {
		ctx.StopWithStatus(iris.StatusUnauthorized)
		return
	}
	if !claims.Verified {
		JSONError(ctx, iris.StatusForbidden, "verification_required", "identity verification is required for this action")
		ctx.StopExecution()
		return
	}
	ctx.Next()
}
